package main

import "github.com/wfounders/clubwallet/cmd/clubctl/cmd"

func main() {
	cmd.Execute()
}
