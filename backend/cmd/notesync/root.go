package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"vibenotes/backend/config"
	"vibenotes/backend/internal/client/localstore"
	"vibenotes/backend/internal/client/notesapi"
	"vibenotes/backend/internal/client/offline"
	"vibenotes/backend/internal/client/reconcile"
	"vibenotes/backend/internal/logging"
)

// app 一次命令执行期间打开的本地资源
type app struct {
	cfg     *config.ClientConfig
	log     *zap.Logger
	replica *localstore.Store
	queue   *offline.Queue
	remote  *notesapi.Client
}

func (a *app) engine() *reconcile.Engine {
	return reconcile.NewEngine(a.queue, a.remote, a.replica, a.log)
}

func (a *app) close() {
	if a.queue != nil {
		_ = a.queue.Close()
		a.queue = nil
	}
	if a.replica != nil {
		_ = a.replica.Close()
		a.replica = nil
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper("clientConfig")
	a := &app{}

	root := &cobra.Command{
		Use:           "notesync",
		Short:         "Offline-first note client: edit locally, sync when online",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(v)
		},
	}
	// RunE 出错时 PersistentPostRun 不会执行，收尾挂在 OnFinalize 上
	cobra.OnFinalize(a.close)

	flags := root.PersistentFlags()
	flags.String("server", "", "collab server base URL")
	flags.String("token", "", "bearer token")
	flags.String("data-dir", "", "local data directory")
	flags.Bool("debug", false, "verbose logging")
	_ = v.BindPFlag("Server.baseURL", flags.Lookup("server"))
	_ = v.BindPFlag("Server.token", flags.Lookup("token"))
	_ = v.BindPFlag("Data.dir", flags.Lookup("data-dir"))
	_ = v.BindPFlag("Debug", flags.Lookup("debug"))

	root.AddCommand(
		newNewCmd(a),
		newEditCmd(a),
		newDeleteCmd(a),
		newListCmd(a),
		newStatusCmd(a),
		newSyncCmd(a),
		newWatchCmd(a),
	)
	return root
}

func (a *app) open(v *viper.Viper) error {
	cfg, err := config.LoadClient(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	a.log, err = logging.New("notesync", v.GetBool("Debug"))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Data.Dir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	a.replica, err = localstore.Open(filepath.Join(cfg.Data.Dir, "notes.db"))
	if err != nil {
		return err
	}
	a.queue, err = offline.Open(filepath.Join(cfg.Data.Dir, "queue.db"))
	if err != nil {
		return err
	}
	a.remote = notesapi.New(cfg.Server.BaseURL, cfg.Server.Token, cfg.Server.Timeout)
	return nil
}
