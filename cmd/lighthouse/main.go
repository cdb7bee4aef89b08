// Command lighthouse runs the Streamlit deployment platform: the HTTP API,
// the job workers and the maintenance scheduler, plus one-shot maintenance
// commands that submit jobs to a running platform.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
