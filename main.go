package main

import "github.com/AvaProtocol/ap-userops/cmd"

func main() {
	cmd.Execute()
}
