package main

import "github.com/agentic-research/harvault/cmd"

func main() {
	cmd.Execute()
}
