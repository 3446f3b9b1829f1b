package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/AvaProtocol/ap-userops/core/apperrors"
)

// EnvOverrides maps environment variables onto dotted yaml paths. A set
// variable wins over the file.
var EnvOverrides = map[string]string{
	"ENVIRONMENT":          "environment",
	"DB_PATH":              "db_path",
	"METRICS_BIND_ADDRESS": "metrics_bind_address",
	"RPC_URL":              "chain.rpc_url",
	"CHAIN_ID":             "chain.chain_id",
	"BUNDLER_URL":          "bundler.url",
	"FEE_TIER":             "bundler.fee_tier",
	"SIGNING_KEY":          "account.signing_key",
	"FACTORY_ADDRESS":      "account.factory",
	"ENTRYPOINT_ADDRESS":   "account.entrypoint",
	"ENTRYPOINT_VERSION":   "account.entrypoint_version",
	"ACCOUNT_SALT":         "account.salt",
	"ACCOUNT_ADDRESS":      "account.address",
	"TOKEN_ADDRESS":        "token.address",
	"TOKEN_DECIMALS":       "token.decimals",
	"PAYMASTER_ADDRESS":    "token.paymaster",
	"RECIPIENT":            "recipient",
	"PROBE_THRESHOLD_WEI":  "estimation.probe_threshold_wei",
	"INCLUSION_TIMEOUT":    "inclusion.timeout",
	"DEPLOY_AWAIT":         "deploy.await",
}

// overlayEnv decodes the set variables into raw. Only the keys present in
// the nested map are touched.
func (raw *ConfigRaw) overlayEnv(lookup func(string) (string, bool)) error {
	overlay := map[string]interface{}{}
	for env, path := range EnvOverrides {
		value, ok := lookup(env)
		if !ok || value == "" {
			continue
		}
		setPath(overlay, strings.Split(path, "."), value)
	}
	if len(overlay) == 0 {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		WeaklyTypedInput: true,
		Result:           raw,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(overlay); err != nil {
		return apperrors.NewConfigurationError("environment", fmt.Sprintf("cannot apply overrides: %v", err))
	}
	return nil
}

func setPath(m map[string]interface{}, path []string, value string) {
	if len(path) == 1 {
		m[path[0]] = value
		return
	}
	child, ok := m[path[0]].(map[string]interface{})
	if !ok {
		child = map[string]interface{}{}
		m[path[0]] = child
	}
	setPath(child, path[1:], value)
}
