package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meszmate/xmppconn/internal/config"
	"github.com/meszmate/xmppconn/internal/engine"
	"github.com/meszmate/xmppconn/internal/logging"
	"github.com/meszmate/xmppconn/internal/metrics"
	"github.com/meszmate/xmppconn/internal/storage/sqlite"
	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

var (
	onlyAccount string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Connect every enabled account until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx)
		},
	}
)

func init() {
	runCmd.Flags().StringVar(&onlyAccount, "account", "", "connect only this bare JID")
}

func run(ctx context.Context) error {
	p, err := paths()
	if err != nil {
		return err
	}
	cfg, err := config.Load(p)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	accounts, err := config.LoadAccounts(p)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	logger, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()
	log := logger.Logger

	db, err := sqlite.New(cfg.General.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	ecfg := cfg.EngineConfig()
	var workers []*engine.Connection
	for _, a := range accounts.Accounts {
		if !a.IsEnabled() {
			continue
		}
		acct, err := a.EngineAccount()
		if err != nil {
			return fmt.Errorf("account %s: %w", a.JID, err)
		}
		if onlyAccount != "" && acct.JID.String() != onlyAccount {
			continue
		}
		acct, err = db.Load(acct, time.Now())
		if err != nil {
			return fmt.Errorf("account %s: %w", a.JID, err)
		}
		workers = append(workers, newWorker(acct, ecfg, db, log, m))
	}
	if len(workers) == 0 {
		return errors.New("no enabled accounts configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if m != nil {
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("serving metrics", zap.String("listen", cfg.Metrics.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	var accountsGroup errgroup.Group
	for _, w := range workers {
		w := w
		accountsGroup.Go(func() error {
			// A terminal account error leaves the other accounts running.
			if err := w.Run(gctx); err != nil {
				log.Error("account stopped",
					zap.String("account", w.Account().JID.String()),
					zap.Stringer("status", engine.StatusOf(err)),
					zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		err := accountsGroup.Wait()
		cancel()
		return err
	})

	log.Info("started", zap.Int("accounts", len(workers)))
	return g.Wait()
}

func newWorker(acct engine.Account, cfg engine.Config, db *sqlite.DB, log *zap.Logger, m *metrics.Metrics) *engine.Connection {
	c := engine.New(acct, cfg, engine.Options{
		Store:    db,
		Logger:   log,
		Metrics:  m,
		Register: fillRegistration(acct),
	})
	bare := acct.JID.String()
	c.SetStatusHandler(func(s engine.Status, err error) {
		row := sqlite.Session{Account: bare, Resource: c.JID().Resourcepart(), Status: s.String()}
		if err != nil {
			row.Error = err.Error()
		}
		if err := db.SaveSession(row); err != nil {
			log.Warn("failed to save session", zap.String("account", bare), zap.Error(err))
		}
	})
	c.SetBoundHandler(func(resumed bool) {
		log.Info("online",
			zap.String("jid", c.JID().String()),
			zap.Bool("resumed", resumed),
			zap.Int("disco_entries", c.Stats().DiscoEntries))
	})
	c.SetMessageFailedHandler(func(el *xmlstream.Element) {
		log.Warn("message not delivered",
			zap.String("account", bare),
			zap.String("id", el.AttrValue("id")),
			zap.String("to", el.AttrValue("to")))
	})
	return c
}
