package main

import (
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{Use: "missiond"}
	root.AddCommand(serveCMD(), migrateCMD())
	_ = root.Execute()
}
