package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Seednode/whowrote/game"
	"github.com/Seednode/whowrote/store"
)

var storeKinds = []string{"memory", "sqlite", "redis"}

type Config struct {
	bind            string
	corsOrigins     []string
	guessTimeout    time.Duration
	intentRate      float64
	maxPlayers      int
	metrics         bool
	playerTimeout   time.Duration
	port            int
	prefix          string
	profile         bool
	redisAddr       string
	redisDB         int
	scoreboardDelay time.Duration
	sessionTimeout  time.Duration
	sqlitePath      string
	store           string
	tlsCert         string
	tlsKey          string
	verbose         bool
	version         bool

	log zerolog.Logger
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if !slices.Contains(storeKinds, c.store) {
		return fmt.Errorf("invalid store (must be one of %s): %q", strings.Join(storeKinds, ", "), c.store)
	}
	if c.store == "redis" && c.redisAddr == "" {
		return errors.New("--redis-addr is required when --store=redis")
	}
	if c.redisDB < 0 {
		return fmt.Errorf("invalid redis database: %d", c.redisDB)
	}
	if c.maxPlayers < game.MinPlayers {
		return fmt.Errorf("invalid max players (must be at least %d): %d", game.MinPlayers, c.maxPlayers)
	}
	if c.scoreboardDelay <= 0 || c.guessTimeout <= 0 {
		return errors.New("--scoreboard-delay and --guess-timeout must be positive")
	}
	if c.playerTimeout < 0 || c.sessionTimeout < 0 {
		return errors.New("--player-timeout and --session-timeout must not be negative")
	}
	if c.intentRate <= 0 {
		return fmt.Errorf("invalid intent rate (must be positive): %v", c.intentRate)
	}

	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func openStore(ctx context.Context, cfg *Config) (store.Store, error) {
	switch cfg.store {
	case "sqlite":
		return store.OpenSQLite(ctx, cfg.sqlitePath)
	case "redis":
		return store.OpenRedis(ctx, cfg.redisAddr, cfg.redisDB)
	default:
		return store.NewMemory(), nil
	}
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("WHOWROTE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "whowrote",
		Short:         "A party game about guessing which answer each player wrote about themselves.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: WHOWROTE_BIND)")
	fs.StringSliceVar(&cfg.corsOrigins, "cors-origins", nil, "origins allowed to call the API cross-site (env: WHOWROTE_CORS_ORIGINS)")
	fs.DurationVar(&cfg.guessTimeout, "guess-timeout", game.DefaultGuessTimeout, "time each player has to guess (env: WHOWROTE_GUESS_TIMEOUT)")
	fs.Float64Var(&cfg.intentRate, "intent-rate", 10, "websocket messages per second allowed per connection (env: WHOWROTE_INTENT_RATE)")
	fs.IntVar(&cfg.maxPlayers, "max-players", game.DefaultMaxPlayers, "maximum players per room (env: WHOWROTE_MAX_PLAYERS)")
	fs.BoolVar(&cfg.metrics, "metrics", false, "serve prometheus metrics on /metrics (env: WHOWROTE_METRICS)")
	fs.DurationVar(&cfg.playerTimeout, "player-timeout", time.Minute, "time before disconnected players are removed (env: WHOWROTE_PLAYER_TIMEOUT)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: WHOWROTE_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: WHOWROTE_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: WHOWROTE_PROFILE)")
	fs.StringVar(&cfg.redisAddr, "redis-addr", "", "redis address, for --store=redis (env: WHOWROTE_REDIS_ADDR)")
	fs.IntVar(&cfg.redisDB, "redis-db", 0, "redis database number (env: WHOWROTE_REDIS_DB)")
	fs.DurationVar(&cfg.scoreboardDelay, "scoreboard-delay", game.DefaultScoreboardDelay, "time the scoreboard is shown between rounds (env: WHOWROTE_SCOREBOARD_DELAY)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle rooms are closed (env: WHOWROTE_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.sqlitePath, "sqlite-path", "whowrote.db", "database file, for --store=sqlite (env: WHOWROTE_SQLITE_PATH)")
	fs.StringVar(&cfg.store, "store", "memory", "room store backend: memory, sqlite or redis (env: WHOWROTE_STORE)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: WHOWROTE_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: WHOWROTE_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: WHOWROTE_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: WHOWROTE_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("whowrote v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
