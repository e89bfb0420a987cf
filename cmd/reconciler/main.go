package main

import "settlement-reconciliation-service/cmd/reconciler/cmd"

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	cmd.Execute(version, commit, buildDate)
}
