// Powerman - power management client
//
// Command-line client for the powermand daemon:
//
//	powerman on 'node[0-9]+'     # power on matching nodes
//	powerman off n3              # power off one node
//	powerman cycle rack1-.*      # power cycle a rack
//	powerman reset n7            # hardware reset
//	powerman status              # refresh and show all node states
//	powerman names 'n.*'         # list managed node names
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sjthespian/powerman/pkg/client"
	"github.com/sjthespian/powerman/pkg/version"
)

var serverAddr string

var rootCmd = &cobra.Command{
	Use:           "powerman",
	Short:         "Power management client",
	Version:       version.Version + " (" + version.GitCommit + ")",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "127.0.0.1:10101", "powermand address")
	rootCmd.AddCommand(powerCmd("on", "Power on nodes matching the selector", (*client.Client).PowerOn))
	rootCmd.AddCommand(powerCmd("off", "Power off nodes matching the selector", (*client.Client).PowerOff))
	rootCmd.AddCommand(powerCmd("cycle", "Power cycle nodes matching the selector", (*client.Client).PowerCycle))
	rootCmd.AddCommand(powerCmd("reset", "Reset nodes matching the selector", (*client.Client).Reset))
	rootCmd.AddCommand(namesCmd())
	rootCmd.AddCommand(statusCmd())
}

func connect() (*client.Client, error) {
	return client.Connect(serverAddr, 10*time.Second)
}

func powerCmd(verb, short string, op func(*client.Client, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <selector>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Quit()
			return op(c, args[0])
		},
	}
}

func namesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "names [selector]",
		Short: "List managed node names",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Quit()
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			names, err := c.Names(target)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Refresh and show node power states",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Quit()
			nodes, err := c.Status()
			if err != nil {
				return err
			}
			printStatus(nodes)
			return nil
		},
	}
}

// printStatus writes a columned table on a terminal, plain
// whitespace-separated lines otherwise (for scripts and pipes).
func printStatus(nodes []client.NodeStatus) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		for _, n := range nodes {
			fmt.Printf("%s %s %s\n", n.Name, n.PlugState, n.NodeState)
		}
		return
	}
	width := 0
	for _, n := range nodes {
		if len(n.Name) > width {
			width = len(n.Name)
		}
	}
	fmt.Printf("%-*s  %-8s %-8s\n", width, "NODE", "PLUG", "NODE-SW")
	for _, n := range nodes {
		fmt.Printf("%-*s  %-8s %-8s\n", width, n.Name, n.PlugState, n.NodeState)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
