package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhirterm/fhirterm/internal/config"
	"github.com/fhirterm/fhirterm/internal/domain/codesystem"
	"github.com/fhirterm/fhirterm/internal/domain/conceptmap"
	"github.com/fhirterm/fhirterm/internal/domain/registry"
	"github.com/fhirterm/fhirterm/internal/domain/valueset"
	"github.com/fhirterm/fhirterm/internal/platform/auth"
	"github.com/fhirterm/fhirterm/internal/platform/db"
	"github.com/fhirterm/fhirterm/internal/platform/fhir"
	"github.com/fhirterm/fhirterm/internal/platform/middleware"
	"github.com/fhirterm/fhirterm/internal/term/cache"
	"github.com/fhirterm/fhirterm/internal/term/provider"
	"github.com/fhirterm/fhirterm/internal/term/provider/bcp47"
	"github.com/fhirterm/fhirterm/internal/term/provider/cpt"
	"github.com/fhirterm/fhirterm/internal/term/provider/hgvs"
	"github.com/fhirterm/fhirterm/internal/term/provider/loinc"
	"github.com/fhirterm/fhirterm/internal/term/provider/ndc"
	"github.com/fhirterm/fhirterm/internal/term/provider/omop"
	"github.com/fhirterm/fhirterm/internal/term/provider/rxnorm"
	"github.com/fhirterm/fhirterm/internal/term/provider/snomed"
	"github.com/fhirterm/fhirterm/internal/term/provider/ucum"
	"github.com/fhirterm/fhirterm/internal/term/worker"
)

func main() {
	root := &cobra.Command{
		Use:   "term-server",
		Short: "FHIR terminology server",
	}
	root.AddCommand(serveCmd(), providersCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// buildRegistry opens every importer-produced SQLite database found under the
// data directory and registers its provider, plus the structural providers
// that need no backing store.
func buildRegistry(cfg *config.Config, logger zerolog.Logger) (*provider.Registry, error) {
	reg := provider.NewRegistry()

	open := func(name string, build func(path string) (provider.Provider, error)) error {
		path := filepath.Join(cfg.DataDir, name)
		if _, err := os.Stat(path); err != nil {
			logger.Debug().Str("file", path).Msg("provider database not present, skipping")
			return nil
		}
		p, err := build(path)
		if err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
		reg.Register(p)
		logger.Info().Str("system", p.System()).Str("version", p.Version()).Msg("provider registered")
		return nil
	}

	builders := []struct {
		file  string
		build func(path string) (provider.Provider, error)
	}{
		{"snomed.db", func(path string) (provider.Provider, error) {
			conn, err := db.OpenSQLiteReadOnly(path)
			if err != nil {
				return nil, err
			}
			p, err := snomed.New(conn)
			if err != nil {
				return nil, err
			}
			p.WildcardCap = cfg.ECLWildcardCap
			return p, nil
		}},
		{"loinc.db", func(path string) (provider.Provider, error) {
			conn, err := db.OpenSQLiteReadOnly(path)
			if err != nil {
				return nil, err
			}
			return loinc.New(conn)
		}},
		{"rxnorm.db", func(path string) (provider.Provider, error) {
			conn, err := db.OpenSQLiteReadOnly(path)
			if err != nil {
				return nil, err
			}
			return rxnorm.New(conn)
		}},
		{"ndc.db", func(path string) (provider.Provider, error) {
			conn, err := db.OpenSQLiteReadOnly(path)
			if err != nil {
				return nil, err
			}
			return ndc.New(conn)
		}},
		{"cpt.db", func(path string) (provider.Provider, error) {
			conn, err := db.OpenSQLiteReadOnly(path)
			if err != nil {
				return nil, err
			}
			return cpt.New(conn)
		}},
		{"omop.db", func(path string) (provider.Provider, error) {
			conn, err := db.OpenSQLiteReadOnly(path)
			if err != nil {
				return nil, err
			}
			return omop.New(conn)
		}},
		{"ucum.db", func(path string) (provider.Provider, error) {
			conn, err := db.OpenSQLiteReadOnly(path)
			if err != nil {
				return nil, err
			}
			return ucum.New(conn)
		}},
	}
	for _, b := range builders {
		if err := open(b.file, b.build); err != nil {
			return nil, err
		}
	}

	reg.Register(bcp47.New())
	if cfg.HGVSValidatorURL != "" {
		reg.Register(hgvs.New(cfg.HGVSValidatorURL, hgvs.DefaultTimeout, logger))
	}
	return reg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the terminology server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg)

			reg, err := buildRegistry(cfg, logger)
			if err != nil {
				return err
			}

			ctx := context.Background()
			var pool *pgxpool.Pool
			csRepo := codesystem.NewCodeSystemRepoMem()
			vsRepo := valueset.NewValueSetRepoMem()
			cmRepo := conceptmap.NewConceptMapRepoMem()
			if cfg.DatabaseURL != "" {
				pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := db.EnsureSchema(ctx, pool); err != nil {
					return err
				}
				csRepo = codesystem.NewCodeSystemRepoPG(pool)
				vsRepo = valueset.NewValueSetRepoPG(pool)
				cmRepo = conceptmap.NewConceptMapRepoPG(pool)
				logger.Info().Msg("canonical resource store backed by postgres")
			} else {
				logger.Info().Msg("no DATABASE_URL, canonical resources held in memory")
			}

			csSvc := codesystem.NewService(csRepo)
			vsSvc := valueset.NewService(vsRepo)
			cmSvc := conceptmap.NewService(cmRepo)
			store := &registry.Source{CodeSystems: csSvc, ValueSets: vsSvc, ConceptMaps: cmSvc}

			resourceCache := cache.NewResourceCache()
			expansionCache := cache.NewExpansionCache(cache.ExpansionCacheOptions{
				MaxEntries:   cfg.ExpansionCacheSize,
				MinStoreTime: time.Duration(cfg.ExpansionCacheMinMS) * time.Millisecond,
			})
			stop := make(chan struct{})
			go housekeeping(resourceCache, expansionCache, cfg.ResourceCacheMaxAge(), logger, stop)
			defer close(stop)

			w := &worker.Worker{Registry: reg, Store: store, Logger: logger}

			e := echo.New()
			e.HideBanner = true
			e.Use(middleware.Recovery(logger))
			e.Use(middleware.RequestID())
			e.Use(middleware.Logger(logger))
			e.Use(echomw.CORSWithConfig(echomw.CORSConfig{AllowOrigins: cfg.CORSOrigins}))

			e.GET("/health", func(c echo.Context) error {
				return c.JSON(200, map[string]interface{}{
					"status":    "ok",
					"version":   fhir.ServerVersion,
					"providers": len(reg.Systems()),
				})
			})

			fhirGroup := e.Group("/fhir",
				auth.JWT(auth.Config{
					Issuer:   cfg.AuthIssuer,
					Audience: cfg.AuthAudience,
					Secret:   secretBytes(cfg.AuthSecret),
				}),
				middleware.RateLimit(middleware.RateLimitConfig{
					RequestsPerSecond: cfg.RateLimitRPS,
					BurstSize:         cfg.RateLimitBurst,
				}),
			)

			codesystem.NewHandler(csSvc).RegisterRoutes(fhirGroup)
			valueset.NewHandler(vsSvc).RegisterRoutes(fhirGroup)
			conceptmap.NewHandler(cmSvc).RegisterRoutes(fhirGroup)
			ops := &fhir.Handler{
				Worker:     w,
				Resolver:   store,
				Resources:  resourceCache,
				Expansions: expansionCache,
				Budget:     cfg.TimeBudget(),
				Logger:     logger,
			}
			ops.RegisterRoutes(fhirGroup)

			go func() {
				if err := e.Start(":" + cfg.Port); err != nil {
					logger.Info().Err(err).Msg("server stopped")
				}
			}()
			logger.Info().Str("port", cfg.Port).Msg("terminology server listening")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	}
}

// housekeeping prunes idle resource-cache buckets and polls the expansion
// cache for memory pressure.
func housekeeping(resources *cache.ResourceCache, expansions *cache.ExpansionCache, maxAge time.Duration, logger zerolog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := resources.Prune(maxAge); n > 0 {
				logger.Debug().Int("buckets", n).Msg("pruned idle resource caches")
			}
			if n := expansions.PollMemoryPressure(); n > 0 {
				logger.Info().Int("dropped", n).Msg("expansion cache shed entries under memory pressure")
			}
		}
	}
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the code system providers the data directory yields",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := zerolog.Nop()
			reg, err := buildRegistry(cfg, logger)
			if err != nil {
				return err
			}
			for _, p := range reg.All() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s|%s\t%s\n", p.System(), p.Version(), p.Description())
			}
			return nil
		},
	}
}

func secretBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}
