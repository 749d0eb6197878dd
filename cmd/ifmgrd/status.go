package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/ifmgrd/pkg/cli"
	"github.com/newtron-network/ifmgrd/pkg/rpc"
)

// statusCmd queries a running daemon over its management socket.
func (a *App) statusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status [interface]",
		Short: "Show interface status from a running daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := a.socketClient()

			if len(args) == 1 {
				var st rpc.InterfaceStatus
				if err := getJSON(client, "/network/interface/"+args[0]+"/status", &st); err != nil {
					return err
				}
				return printStatus([]*rpc.InterfaceStatus{&st}, jsonOutput)
			}

			var all []*rpc.InterfaceStatus
			if err := getJSON(client, "/network/interface", &all); err != nil {
				return err
			}
			return printStatus(all, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func (a *App) socketClient() *http.Client {
	socket := a.socketPath
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		},
	}
}

func getJSON(client *http.Client, path string, out interface{}) error {
	resp, err := client.Get("http://ifmgrd" + path)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printStatus(list []*rpc.InterfaceStatus, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	table := cli.NewTable("INTERFACE", "STATE", "PROTO", "DEVICE", "L3", "UPTIME")
	for _, st := range list {
		state := cli.Red("down")
		switch {
		case st.Up:
			state = cli.Green("up")
		case st.Pending:
			state = cli.Yellow("setup")
		}
		uptime := ""
		if st.Uptime > 0 {
			uptime = strconv.FormatInt(st.Uptime, 10) + "s"
		}
		table.Row(st.Interface, state, st.Proto, st.Device, st.L3Device, uptime)
	}
	table.Flush()

	for _, st := range list {
		for _, e := range st.Errors {
			fmt.Printf("%s: %s %v\n", cli.Bold(st.Interface), cli.Red(e.Subsystem+"/"+e.Code), e.Data)
		}
	}
	return nil
}
