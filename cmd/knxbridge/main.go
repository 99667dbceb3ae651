package main

import "github.com/knxlib/go-knx/cmd/knxbridge/cmd"

func main() {
	cmd.Execute()
}
