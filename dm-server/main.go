package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"
)

var rootCmd = &cobra.Command{
	Use:   "dm-server",
	Short: "Direct message relay server (history API + realtime delivery)",
	RunE:  runServer,
}

var (
	cfg            serverConfig
	flagServerURLs []string
)

func init() {
	var err error
	cfg, err = loadServerConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	flags := rootCmd.PersistentFlags()
	flags.StringSliceVar(&flagServerURLs, "server-url", cfg.RelayURLs, "relayserver base URL(s); repeat or comma-separated (from env RELAY if set)")
	flags.IntVar(&cfg.Port, "port", cfg.Port, "local HTTP port (negative to disable)")
	flags.StringVar(&cfg.Name, "name", cfg.Name, "backend display name")
	flags.StringVar(&cfg.DataPath, "data-path", cfg.DataPath, "optional directory to persist messages via PebbleDB")
	flags.StringVar(&cfg.CredKey, "cred-key", cfg.CredKey, "optional credential key to use for the listener (base64 encoded)")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "optional redis address to share rooms across instances")
	flags.StringVar(&cfg.RedisChannel, "redis-channel", cfg.RedisChannel, "redis pub/sub channel for room frames")
	flags.Float64Var(&cfg.SendRate, "send-rate", cfg.SendRate, "messages per second allowed per connection")
	flags.IntVar(&cfg.SendBurst, "send-burst", cfg.SendBurst, "message burst allowed per connection")
	flags.IntVar(&cfg.HistoryLimit, "history-limit", cfg.HistoryLimit, "maximum messages returned by the history API")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute dm-server command")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store messageStore = newMemoryStore()
	if cfg.DataPath != "" {
		s, err := openPebbleStore(cfg.DataPath)
		if err != nil {
			log.Warn().Err(err).Msg("[dm-server] open store failed; running in memory only")
		} else {
			store = s
		}
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("[dm-server] store close error")
		}
	}()

	var bus fanoutBus = newLocalBus()
	if cfg.RedisAddr != "" {
		rb, err := newRedisBus(cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		bus = rb
		log.Info().Str("addr", cfg.RedisAddr).Str("channel", cfg.RedisChannel).Msg("[dm-server] sharing rooms over redis")
	}
	defer bus.Close()

	hub, err := newHub(cfg.hub(), store, bus)
	if err != nil {
		return fmt.Errorf("new hub: %w", err)
	}
	handler := NewHandler(cfg.Name, hub)

	clients, listeners, err := listenRelays(flagServerURLs, cfg.Name, cfg.CredKey)
	if err != nil {
		return err
	}
	for i, ln := range listeners {
		idx := i
		go func() {
			if err := http.Serve(ln, handler); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
				log.Error().Err(err).Int("listener", idx).Msg("[dm-server] relay http error")
			}
		}()
	}

	var httpSrv *http.Server
	if cfg.Port >= 0 {
		httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
		log.Info().Msgf("[dm-server] serving locally at http://127.0.0.1:%d", cfg.Port)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("[dm-server] local http stopped")
			}
		}()
	}
	if len(listeners) == 0 && httpSrv == nil {
		return errors.New("nothing to serve: no relay listeners and local port disabled")
	}

	<-ctx.Done()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, c := range clients {
		_ = c.Close()
	}
	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("[dm-server] http server shutdown error")
		}
	}
	hub.closeAll()
	hub.wait()
	log.Info().Msg("[dm-server] shutdown complete")
	return nil
}

// listenRelays opens one listener per relay URL, all sharing one credential.
func listenRelays(urls []string, name, credKey string) ([]*sdk.RDClient, []net.Listener, error) {
	var clients []*sdk.RDClient
	var listeners []net.Listener
	if len(urls) == 0 {
		return nil, nil, nil
	}

	cred := sdk.NewCredential()
	if credKey != "" {
		key, err := base64.StdEncoding.DecodeString(credKey)
		if err != nil {
			return nil, nil, fmt.Errorf("decode cred key: %w", err)
		}
		cred, err = cryptoops.NewCredentialFromPrivateKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("new credential from private key: %w", err)
		}
	}
	for _, raw := range urls {
		for _, p := range strings.Split(raw, ",") {
			u := strings.TrimSpace(p)
			if u == "" {
				continue
			}
			client, err := sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = []string{u} })
			if err != nil {
				log.Error().Err(err).Str("url", u).Msg("[dm-server] new relay client failed")
				continue
			}
			clients = append(clients, client)
			ln, err := client.Listen(cred, name, []string{"http/1.1"})
			if err != nil {
				for _, c := range clients {
					_ = c.Close()
				}
				return nil, nil, fmt.Errorf("listen (%s): %w", u, err)
			}
			listeners = append(listeners, ln)
		}
	}
	return clients, listeners, nil
}
