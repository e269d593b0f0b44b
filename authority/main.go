package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/nats-io/nats.go"

	"gopkg.in/yaml.v3"

	"github.com/worldmesh/worldsync/worldsync"
)

const Version = "0.0.1"

const DefaultPort = 3020
const DefaultDbPath = "world.db"
const DefaultTickInterval = 1 * time.Second

type providerConfig struct {
	Name             string   `yaml:"name"`
	JwtSecret        string   `yaml:"jwt_secret"`
	Enabled          bool     `yaml:"enabled"`
	DefaultCanRead   []string `yaml:"default_can_read"`
	DefaultCanInsert []string `yaml:"default_can_insert"`
	DefaultCanUpdate []string `yaml:"default_can_update"`
	DefaultCanDelete []string `yaml:"default_can_delete"`
}

type authorityConfig struct {
	Db                string           `yaml:"db"`
	NatsUrl           string           `yaml:"nats_url"`
	RoleChangeSubject string           `yaml:"role_change_subject"`
	TickIntervalMs    int              `yaml:"tick_interval_ms"`
	Providers         []providerConfig `yaml:"providers"`
}

func main() {
	usage := `World sync authority.

Usage:
    authority serve [--port=<port>] [--db=<db>] [--config=<config>]
        [--nats_url=<nats_url>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    -p --port=<port>         Listen port [default: 3020].
    --db=<db>                Sqlite database path [default: world.db].
    --config=<config>        Yaml config file.
    --nats_url=<nats_url>    Nats url for role change notifications.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	flag.Parse()

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	if port == 0 {
		port = DefaultPort
	}

	config := &authorityConfig{
		Db:                DefaultDbPath,
		RoleChangeSubject: worldsync.DefaultRoleChangeSubject,
	}
	if configPathAny := opts["--config"]; configPathAny != nil {
		configBytes, err := os.ReadFile(configPathAny.(string))
		if err != nil {
			panic(err)
		}
		if err := yaml.Unmarshal(configBytes, config); err != nil {
			panic(err)
		}
	}
	if dbAny := opts["--db"]; dbAny != nil {
		config.Db = dbAny.(string)
	}
	if natsUrlAny := opts["--nats_url"]; natsUrlAny != nil {
		config.NatsUrl = natsUrlAny.(string)
	}

	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	store, err := worldsync.NewWorldStore(config.Db)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	if len(config.Providers) == 0 {
		// a usable default so a fresh install can serve anonymous peers
		config.Providers = []providerConfig{
			{
				Name:           worldsync.AnonymousProviderName,
				JwtSecret:      worldsync.NewId().String(),
				Enabled:        true,
				DefaultCanRead: []string{"public.NORMAL"},
			},
		}
	}
	for _, provider := range config.Providers {
		err := store.UpsertProvider(cancelCtx, &worldsync.ProviderConfig{
			Name:             provider.Name,
			JwtSecret:        provider.JwtSecret,
			Enabled:          provider.Enabled,
			DefaultCanRead:   provider.DefaultCanRead,
			DefaultCanInsert: provider.DefaultCanInsert,
			DefaultCanUpdate: provider.DefaultCanUpdate,
			DefaultCanDelete: provider.DefaultCanDelete,
		})
		if err != nil {
			panic(err)
		}
	}

	validator := worldsync.NewSessionValidator(store)
	registry := worldsync.NewSessionRegistryWithDefaults(store)
	acl := worldsync.NewAclCache(store)
	router := worldsync.NewReflectRouterWithDefaults(acl)

	if config.NatsUrl != "" {
		conn, err := nats.Connect(config.NatsUrl,
			nats.Name("worldsync-authority"),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			panic(err)
		}
		defer conn.Close()
		stream, err := worldsync.NewNatsRoleChangeStream(conn, config.RoleChangeSubject)
		if err != nil {
			panic(err)
		}
		defer stream.Close()
		go acl.ListenRoleChanges(cancelCtx, stream)
		glog.Infof("role change notifications on %s via %s\n", config.RoleChangeSubject, config.NatsUrl)
	}

	authority := worldsync.NewAuthorityWithDefaults(cancelCtx, validator, registry, acl, router, store)
	defer authority.Close()

	tickInterval := DefaultTickInterval
	if config.TickIntervalMs > 0 {
		tickInterval = time.Duration(config.TickIntervalMs) * time.Millisecond
	}
	go runTicks(cancelCtx, authority, tickInterval)

	mux := http.NewServeMux()
	mux.Handle("/world", authority)
	mux.HandleFunc("/session/anonymous", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		session, err := registry.CreateAnonymousSession(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJson(w, map[string]any{
			"agentId":   session.AgentId,
			"sessionId": session.SessionId,
			"token":     session.Token,
			"expiresAt": session.ExpiresAt.UnixMilli(),
			"provider":  worldsync.AnonymousProviderName,
		})
	})
	mux.HandleFunc("/session/validate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var args struct {
			Token    string `json:"token"`
			Provider string `json:"provider"`
		}
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		claims := validator.Validate(r.Context(), args.Provider, args.Token)
		result := map[string]any{
			"success": claims.IsValid,
		}
		if !claims.IsValid {
			result["error"] = claims.ErrorReason
		}
		writeJson(w, result)
	})
	mux.HandleFunc("/session/signout", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var args struct {
			SessionId string `json:"sessionId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := registry.SignOut(r.Context(), args.SessionId); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJson(w, map[string]any{
			"success": true,
		})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		defer cancel()
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			glog.Errorf("server error = %s\n", err)
		}
	}()

	fmt.Printf("authority %s on *:%d db=%s\n", Version, port, config.Db)

	<-cancelCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	os.Exit(0)
}

// stand-in for the external tick producer: an opaque counter payload on
// a fixed interval
func runTicks(ctx context.Context, authority *worldsync.Authority, interval time.Duration) {
	tickNumber := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		tickNumber += 1
		tick, err := json.Marshal(map[string]any{
			"tickNumber": tickNumber,
			"time":       time.Now().UnixMilli(),
		})
		if err != nil {
			continue
		}
		authority.BroadcastTick(tick)
	}
}

func writeJson(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(value)
}
