package main

import "github.com/livewatch/relay/cmd/relay/cmd"

func main() {
	cmd.Execute()
}
