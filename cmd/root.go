package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "videomuse"}

	root.AddCommand(serveCMD(), runCMD(), migrateCMD())
	_ = root.Execute()
}
