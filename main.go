package main

import "github.com/fr3lab/trialcapture/cmd"

func main() {
	cmd.Execute()
}
