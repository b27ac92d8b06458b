package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/thinkalike/console/internal/channel"
	"github.com/thinkalike/console/internal/command"
	"github.com/thinkalike/console/internal/config"
	"github.com/thinkalike/console/internal/logging"
	"github.com/thinkalike/console/internal/rest"
	"github.com/thinkalike/console/internal/session"
	"github.com/thinkalike/console/internal/trace"
)

var (
	version   = "0.1.0"
	cfgFile   string
	serverURL string
	wsURL     string
)

const helpText = `
Player:
  pa <username>           Create or fetch named player (alias: p get)
  p me                    Print current session state
  p stats                 Player stats
  p quests                Quests and progress
  p claim <quest_id>      Claim a quest reward

Rooms:
  rl [tier]               List rooms (alias: r list)
  jc | jo | jh            Quick-join casual | competitive | high_stakes
  r join c|o|h|<key>      Quick-join by tier or join a specific room
  r details <key>         Room details
  r events [limit]        Recent room events
  r obs <key>             Observe a room as spectator
  r leave [immediate]     Leave the current room
  r skip                  Skip the next round

Meta:
  lb [limit]              Leaderboard
  stats                   Global game stats

Channel:
  ws on | ws off          Connect / disconnect the event channel
  wsjp                    Emit join_player (alias: ws jp)
  wsjr                    Emit join_room with current room/token (alias: ws jr)
  start                   Emit start_round
  pick <idx>              Emit pick
  commit <idx>            Record choice+nonce and emit the commitment hash
  reveal                  Emit reveal (alias: ws reveal)
  ws emote <idx>          Send an emote
  ws queue on|off         Join/leave the spectator queue
  we <event> [json]       Emit an arbitrary event (alias: ws event)

Home:
  help                    Show this help
  quit                    Exit
`

var rootCmd = &cobra.Command{
	Use:   "thinkalike",
	Short: "Think Alike operator console",
	Long:  `Interactive console for driving a Think Alike backend over REST and the live event channel.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an interactive session",
	Run: func(cmd *cobra.Command, args []string) {
		runSession()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("thinkalike v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the resolved backend configuration",
	Run: func(cmd *cobra.Command, args []string) {
		showStatus()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is console.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "backend REST base URL")
	rootCmd.PersistentFlags().StringVar(&wsURL, "ws", "", "backend event channel URL")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		cfg.APIBase = serverURL
	}
	if wsURL != "" {
		cfg.WSURL = wsURL
	}
	cfg.Validate()
	return cfg, nil
}

func runSession() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)

	printer := trace.NewPrinter(os.Stdout)
	restClient := rest.New(cfg.APIBase, time.Duration(cfg.RequestTimeoutSeconds)*time.Second, printer)
	ch := channel.New(cfg.WSURL, printer)
	coord := session.New(restClient, ch, printer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go coord.Run(ctx)

	fmt.Printf("Think Alike console v%s (%s)\n", version, cfg.APIBase)
	fmt.Println("Quick start: 'pa <username>', 'rl', 'jc', 'ws on'. 'help' for everything.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		if ctx.Err() != nil {
			break
		}

		cmd := command.Parse(scanner.Text())
		if cmd.Kind == command.KindHelp {
			fmt.Print(helpText, "\n")
			continue
		}
		if !coord.Dispatch(ctx, cmd) {
			break
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = ch.Disconnect(shutdownCtx)
	fmt.Println("Bye.")
}

func showStatus() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Println("Status: not configured")
		return
	}
	fmt.Println("Status: configured")
	fmt.Printf("API base: %s\n", cfg.APIBase)
	fmt.Printf("Channel:  %s\n", cfg.WSURL)
	fmt.Printf("Timeout:  %ds\n", cfg.RequestTimeoutSeconds)
}
