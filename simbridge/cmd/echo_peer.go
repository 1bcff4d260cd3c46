package cmd

import (
	"github.com/rbmk-project/common/runtimex"
	"github.com/sarchlab/simbridge/peerside"
	"github.com/spf13/cobra"
)

var echoPeerCmd = &cobra.Command{
	Use:   "echo-peer [greeting]",
	Short: "Act as a peer that echoes every packet it receives.",
	Long: "`echo-peer` is meant to be started by `run`. It attaches to the " +
		"objects named in its environment, sends the greeting if one is " +
		"given, and then sends back every packet it receives.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		n := runtimex.Try1(peerside.AttachEnv())
		defer n.Close()

		var greeting []byte
		if len(args) > 0 {
			greeting = []byte(args[0])
		}

		return peerside.Echo(n, greeting)
	},
}

func init() {
	rootCmd.AddCommand(echoPeerCmd)
}
