package relserver

import (
	"context"
	"log"
	"net"
	"net/http"

	"github.com/function61/borgrelay/pkg/blorm"
	"github.com/function61/borgrelay/pkg/reldb"
	"github.com/function61/borgrelay/pkg/reljobs"
	"github.com/function61/borgrelay/pkg/relproxy"
	"github.com/function61/borgrelay/pkg/relutils"
	"github.com/function61/gokit/dynversion"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/stopper"
	"go.etcd.io/bbolt"
)

func runServer(logger *log.Logger, logTail *LogTail, stop *stopper.Stopper) error {
	defer stop.Done()

	logl := logex.Levels(logger)

	scf, err := readServerConfigFile()
	if err != nil {
		return err
	}

	db, err := reldb.Open(scf.DBLocation)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := bootstrapIfEmpty(db, logger); err != nil {
		return err
	}

	deps := &reljobs.Deps{
		DB:          db,
		CacheDir:    scf.CacheDir,
		RelayURL:    scf.RelayURL,
		Hostname:    scf.Hostname,
		LockTimeout: scf.lockTimeout(),
		Logger:      logex.Prefix("jobs", logger),
	}

	sup := NewSupervisor(
		db,
		deps,
		scf.maxConcurrentJobs(),
		scf.jobCacheMaxAge(),
		logex.Prefix("supervisor", logger))

	if err := sup.RecoverAfterRestart(); err != nil {
		return err
	}

	workers := stopper.NewManager()

	if scf.MetricsAddr != "" {
		metrics, err := newMetricsController()
		if err != nil {
			return err
		}

		sup.AttachMetrics(metrics)

		startMetricsServer(scf.MetricsAddr, metrics, logl, workers.Stopper())
	}

	if err := startProxyListener(db, relproxy.Options{
		CacheDir:    scf.CacheDir,
		LockTimeout: scf.lockTimeout(),
		Logger:      logex.Prefix("proxy", logger),
	}, logl, workers.Stopper()); err != nil {
		return err
	}

	if err := startCommandServer(
		db,
		sup,
		scf,
		logTail,
		logex.Levels(logex.Prefix("control", logger)),
		workers.Stopper(),
	); err != nil {
		return err
	}

	go func(stop *stopper.Stopper) {
		if err := sup.Run(context.Background(), stop); err != nil {
			logl.Error.Printf("supervisor: %v", err)
		}
	}(workers.Stopper())

	logl.Info.Printf("borgrelayd %s started (relay %s)", dynversion.Version, scf.RelayURL)

	<-stop.Signal

	workers.StopAllWorkersAndWait()

	return nil
}

// bootstrapIfEmpty initializes a fresh database; an initialized one is left
// alone.
func bootstrapIfEmpty(db *bolt.DB, logger *log.Logger) error {
	err := db.View(func(tx *bolt.Tx) error {
		_, err := reldb.CfgServerSecret.GetRequired(tx)
		return err
	})
	if err != blorm.ErrBucketNotFound {
		return err
	}

	return reldb.Bootstrap(db, logex.Prefix("bootstrap", logger))
}

// startProxyListener serves the repository protocol for bridged client
// connections. Sessions run concurrently; per-repository exclusion comes from
// the repository lock, not from here.
func startProxyListener(
	db *bolt.DB,
	opts relproxy.Options,
	logl *logex.Leveled,
	stop *stopper.Stopper,
) error {
	listener, err := relutils.CreateTCPOrDomainSocketListener(relutils.ProxySocketAddr(), logl)
	if err != nil {
		return err
	}

	go func() {
		<-stop.Signal
		listener.Close()
	}()

	go func() {
		defer stop.Done()

		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			go func(conn net.Conn) {
				defer conn.Close()

				if err := relproxy.ServeConn(context.Background(), db, conn, opts); err != nil {
					logl.Error.Printf("session: %v", err)
				}
			}(conn)
		}
	}()

	return nil
}

func startMetricsServer(
	addr string,
	metrics *metricsController,
	logl *logex.Leveled,
	stop *stopper.Stopper,
) {
	srv := &http.Server{
		Addr:    addr,
		Handler: metrics.HTTPHandler(),
	}

	go func() {
		<-stop.Signal

		if err := srv.Shutdown(context.TODO()); err != nil {
			logl.Error.Printf("metrics shutdown: %v", err)
		}
	}()

	go func() {
		defer stop.Done()

		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logl.Error.Printf("metrics: %v", err)
		}
	}()
}
