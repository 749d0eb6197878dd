// ifmgrd - network interface daemon
//
// Owns the lifecycle of logical network interfaces: the devices they
// bind to, their addresses and routes, and the protocol handlers that
// bring them up and down. Management verbs are served on a unix
// socket.
//
// Examples:
//
//	ifmgrd                                   # run with defaults
//	ifmgrd -s /tmp/ifmgrd.sock --log-level debug
//	ifmgrd status                            # query a running daemon
//	ifmgrd version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/newtron-network/ifmgrd/pkg/daemon"
	"github.com/newtron-network/ifmgrd/pkg/rpc"
	"github.com/newtron-network/ifmgrd/pkg/system"
	"github.com/newtron-network/ifmgrd/pkg/util"
	"github.com/newtron-network/ifmgrd/pkg/version"
)

// App holds CLI state shared across all commands.
type App struct {
	socketPath string
	configPath string
	resolvPath string
	hotplugCmd string
	protoDir   string
	auditLog   string
	redisAddr  string
	redisDB    int

	logLevel string
	logJSON  bool
	dummy    bool
}

func main() {
	app := &App{}

	root := &cobra.Command{
		Use:           "ifmgrd",
		Short:         "Network interface daemon",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if app.logJSON {
				util.SetJSONFormat()
			}
			return util.SetLogLevel(app.logLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runDaemon()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&app.socketPath, "socket", "s", rpc.DefaultSocketPath, "path to the management socket")
	pf.StringVar(&app.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.BoolVar(&app.logJSON, "log-json", false, "log in JSON format")

	f := root.Flags()
	f.StringVar(&app.configPath, "config", "/etc/ifmgrd/network.yaml", "network configuration file")
	f.StringVar(&app.resolvPath, "resolv", "/tmp/resolv.conf.auto", "resolv.conf output path")
	f.StringVar(&app.hotplugCmd, "hotplug-cmd", "/sbin/hotplug-call", "hotplug handler invoked on interface events")
	f.StringVar(&app.protoDir, "proto-dir", "/lib/ifmgrd/proto", "directory of protocol handler scripts")
	f.StringVar(&app.auditLog, "audit-log", "", "audit log path (disabled when empty)")
	f.StringVar(&app.redisAddr, "state-db", "", "redis address for the state mirror (disabled when empty)")
	f.IntVar(&app.redisDB, "state-db-index", 6, "redis database index for the state mirror")

	f.BoolVar(&app.dummy, "dummy", false, "use the recording dummy backend instead of netlink")

	root.AddCommand(app.versionCmd())
	root.AddCommand(app.statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (a *App) runDaemon() error {
	d, err := daemon.New(daemon.Options{
		ConfigPath:   a.configPath,
		SocketPath:   a.socketPath,
		ResolvPath:   a.resolvPath,
		HotplugCmd:   a.hotplugCmd,
		ProtoDir:     a.protoDir,
		AuditLogPath: a.auditLog,
		RedisAddr:    a.redisAddr,
		RedisDB:      a.redisDB,
	}, a.newBackend())
	if err != nil {
		return err
	}

	util.Logger.Info(version.Info())
	return d.Run()
}

func (a *App) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Info())
		},
	}
}

// newBackend picks the system backend: rtnetlink in production, the
// recording dummy under --dummy.
func (a *App) newBackend() system.Backend {
	if a.dummy {
		return system.NewFake()
	}
	return system.NewNetlinkBackend()
}
