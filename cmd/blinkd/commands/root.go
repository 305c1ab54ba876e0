package commands

import (
	"github.com/spf13/cobra"

	"github.com/blinknet/blinkd/src/config"
)

var _config = config.NewDefaultConfig()

//RootCmd is the root command for blinkd
var RootCmd = &cobra.Command{
	Use:              "blinkd",
	Short:            "blink quorum node",
	TraverseChildren: true,
}
