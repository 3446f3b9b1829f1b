package signer

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0xe8d3e6c2d7f16f8a4d4f4b1c0a0ad2d9bb93a07bb8d7e1c6fbe4d1b2a3c4d5e6"

func TestSignMessageRecoversOwner(t *testing.T) {
	s, err := FromHex(testKey)
	require.NoError(t, err)

	hash := crypto.Keccak256([]byte("user operation"))
	sig, err := s.SignMessage(hash)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.True(t, sig[64] == 27 || sig[64] == 28)

	recovered, err := RecoverAddress(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), recovered)
}

func TestFromHexRejectsGarbage(t *testing.T) {
	_, err := FromHex("0x1234")
	assert.Error(t, err)
}

func TestEIP191HashPrefix(t *testing.T) {
	data := []byte{0x01, 0x02}
	expected := crypto.Keccak256Hash([]byte("\x19Ethereum Signed Message:\n2\x01\x02"))
	assert.Equal(t, expected, EIP191Hash(data))
}
