package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gosuda.org/portal/sdk"

	"github.com/altairlab/meshchat/graph"
)

// Well-known public mesh relay; the graph layer synchronizes rooms
// through it. Overridable for self-hosted relays, but there is no other
// configuration surface.
const defaultMeshPeer = "wss://relay.meshdb.dev/mesh"

var rootCmd = &cobra.Command{
	Use:   "meshchat",
	Short: "Room chat synchronized through a mesh graph store over a public relay",
	RunE:  runChat,
}

var (
	flagListen     string
	flagName       string
	flagPeers      []string
	flagDataPath   string
	flagServerURLs []string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagListen, "listen", "127.0.0.1:8095", "local chat UI listen address (host:port)")
	flags.StringVar(&flagName, "name", "MeshChat", "display name, also the Portal lease name")
	flags.StringSliceVar(&flagPeers, "peer", []string{defaultMeshPeer}, "mesh relay peer websocket URL(s)")
	flags.StringVar(&flagDataPath, "data-path", "", "optional directory for the local graph replica (PebbleDB)")
	flags.StringSliceVar(&flagServerURLs, "server-url", nil, "optional Portal relay base URL(s) to publish the UI through")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute meshchat")
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Optional local replica for the graph client.
	replica, err := graph.OpenReplica(flagDataPath)
	if err != nil {
		log.Warn().Err(err).Msg("[chat] open replica failed; running without local cache")
		replica = nil
	}

	var opts []graph.Option
	if replica != nil {
		opts = append(opts, graph.WithReplica(replica))
	}
	client, err := graph.Open(flagPeers, opts...)
	if err != nil {
		return fmt.Errorf("open graph client: %w", err)
	}

	ctrl := NewController(openGraphFeeds(client))
	handler := NewHandler(flagName, ctrl)

	errCh := make(chan error, 2)
	portalClose, err := startPortalBridge(handler, errCh)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              flagListen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		log.Info().Msgf("[chat] serving UI at http://%s", flagListen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error().Err(err).Msg("[chat] server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && err != context.Canceled {
		log.Warn().Err(err).Msg("[chat] http shutdown")
	}
	if portalClose != nil {
		portalClose()
	}
	if err := client.Close(); err != nil {
		log.Warn().Err(err).Msg("[chat] graph client close")
	}
	if err := replica.Close(); err != nil {
		log.Warn().Err(err).Msg("[chat] replica close")
	}
	log.Info().Msg("[chat] shutdown complete")
	return nil
}

// startPortalBridge publishes the chat UI over the Portal relay so a room
// is reachable without port forwarding. Skipped when no server URL is
// configured.
func startPortalBridge(handler http.Handler, errCh chan<- error) (func(), error) {
	if len(flagServerURLs) == 0 {
		return nil, nil
	}
	cred := sdk.NewCredential()
	client, err := sdk.NewClient(func(c *sdk.RDClientConfig) {
		c.BootstrapServers = flagServerURLs
	})
	if err != nil {
		return nil, fmt.Errorf("portal client: %w", err)
	}
	ln, err := client.Listen(cred, flagName, []string{"http/1.1"})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("portal listen: %w", err)
	}
	log.Info().Str("name", flagName).Strs("servers", flagServerURLs).Msg("[chat] serving over Portal relay")
	go func() {
		if err := http.Serve(ln, handler); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("portal http serve: %w", err)
		}
	}()
	return func() {
		_ = ln.Close()
		_ = client.Close()
	}, nil
}
