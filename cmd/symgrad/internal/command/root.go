package command

import (
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// Highlight applies a blue color to the given format and arguments.
func Highlight(format string, a ...any) string {
	return color.RGB(50, 108, 229).Sprintf(format, a...)
}

// NewRootCommand creates the "symgrad" command, with klog flags (-v, etc.) as persistent flags.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "symgrad",
		Short: "Symbolic reverse-mode gradients of computation graphs",
		Long: Highlight("Usage: symgrad [global options] <subcommand> [args]") + "\n\n" +
			"symgrad reads computation graphs defined in YAML and builds the graphs of their\n" +
			"gradients, using reverse-mode automatic differentiation.\n",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) == 0 {
				_ = cmd.Help()
			}
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(klogFlags)
	return cmd
}

// AddCommands registers all subcommands to the root command.
func AddCommands(root *cobra.Command) {
	root.AddCommand(
		NewGradCommand(),
	)
}

// Execute runs symgrad with the command line arguments, and exits.
func Execute() {
	if _, exists := os.LookupEnv("NO_COLOR"); exists {
		color.NoColor = true
	}
	root := NewRootCommand()
	AddCommands(root)
	err := root.Execute()
	klog.Flush()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
