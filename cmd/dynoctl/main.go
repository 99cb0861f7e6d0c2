// Command dynoctl is the operator CLI for one fabric node: control-plane
// subcommands talk to a node's HTTP admin surface, data-plane subcommands
// (get/set/del) dial its client text-protocol port directly.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"dynofabric/internal/client"
)

var (
	adminAddr  string
	clientAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "dynoctl",
		Short: "operator CLI for a dynofabric node",
	}
	root.PersistentFlags().StringVar(&adminAddr, "admin", "http://localhost:4202", "node admin HTTP base URL")
	root.PersistentFlags().StringVar(&clientAddr, "client", "localhost:4200", "node client text-protocol address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		healthCmd(),
		statsCmd(),
		clusterCmd(),
		adminCmd(),
		getCmd(),
		setCmd(),
		delCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "report node identity and dyn_state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			out, err := client.New(adminAddr, timeout).Health(ctx)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "dump counters and latency histogram",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			out, err := client.New(adminAddr, timeout).Stats(ctx)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "inspect and manage this node's peer connections",
	}
	var raw bool
	nodesCmd := &cobra.Command{
		Use:   "nodes",
		Short: "list the statically configured topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			c := client.New(adminAddr, timeout)
			if raw {
				body, err := c.GetRaw(ctx, "/cluster/nodes")
				if err != nil {
					return err
				}
				fmt.Println(body)
				return nil
			}
			out, err := c.Nodes(ctx)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	nodesCmd.Flags().BoolVar(&raw, "raw", false, "print the server's exact response body instead of re-encoding it")
	cmd.AddCommand(nodesCmd)
	cmd.AddCommand(&cobra.Command{
		Use:   "join <id> <addr>",
		Short: "dial a peer and register its connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := client.New(adminAddr, timeout).Join(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("joined %s\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "leave <id>",
		Short: "tear down a peer's live connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := client.New(adminAddr, timeout).Leave(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("left %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "drive this node's dyn_state and default consistency",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "state <NORMAL|STANDBY|WRITES_ONLY|RESUMING>",
		Short: "transition the node's dyn_state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := client.New(adminAddr, timeout).SetState(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("state -> %s\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "consistency <read|write> <LOCAL_ONE|LOCAL_QUORUM>",
		Short: "flip the node's default read or write consistency",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := client.New(adminAddr, timeout).SetConsistency(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("%s consistency -> %s\n", args[0], args[1])
			return nil
		},
	})
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "read a key over the client text protocol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.DialText(clientAddr, timeout)
			if err != nil {
				return err
			}
			defer c.Close()
			v, err := c.Get(args[0])
			if err != nil {
				if errors.Is(err, client.ErrNotFound) {
					fmt.Println("(not found)")
					return nil
				}
				return err
			}
			fmt.Println(v)
			return nil
		},
	}
}

func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "write a key over the client text protocol",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.DialText(clientAddr, timeout)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Set(args[0], args[1])
		},
	}
}

func delCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>",
		Short: "delete a key over the client text protocol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.DialText(clientAddr, timeout)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Delete(args[0])
		},
	}
}
