package main

import "github.com/knxlib/go-knx/cmd/knxtool/cmd"

func main() {
	cmd.Execute()
}
