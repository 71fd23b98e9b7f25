// Command controlplane is the control plane process: the serve subcommand
// runs the leader-elected reconcile loops (§4), and the workspace subcommands
// are a local operator CLI over the same service layer an external front
// door would call (§1 puts the HTTP/REST surface itself out of scope).
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/cagojeiger/codehub-controlplane/pkg/archivejob"
	"github.com/cagojeiger/codehub-controlplane/pkg/config"
	"github.com/cagojeiger/codehub-controlplane/pkg/coordinator"
	"github.com/cagojeiger/codehub-controlplane/pkg/events"
	"github.com/cagojeiger/codehub-controlplane/pkg/gc"
	"github.com/cagojeiger/codehub-controlplane/pkg/log"
	"github.com/cagojeiger/codehub-controlplane/pkg/objectstore"
	"github.com/cagojeiger/codehub-controlplane/pkg/observer"
	"github.com/cagojeiger/codehub-controlplane/pkg/operation"
	"github.com/cagojeiger/codehub-controlplane/pkg/redisstate"
	"github.com/cagojeiger/codehub-controlplane/pkg/runtime"
	"github.com/cagojeiger/codehub-controlplane/pkg/service"
	"github.com/cagojeiger/codehub-controlplane/pkg/storage"
	"github.com/cagojeiger/codehub-controlplane/pkg/ttl"
	"github.com/cagojeiger/codehub-controlplane/pkg/types"
	"github.com/cagojeiger/codehub-controlplane/pkg/volume"
)

var (
	logLevel string
	logJSON  bool
)

func main() {
	root := &cobra.Command{
		Use:   "controlplane",
		Short: "Workspace control plane: reconcile loops and operator CLI",
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit JSON logs instead of console output")
	cobra.OnInitialize(func() {
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON, Output: os.Stderr})
	})

	root.AddCommand(serveCmd(), migrateCmd(), workspaceCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// serveCmd wires every collaborator (§2's component table) and runs the
// coordinator until SIGINT/SIGTERM.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the leader-elected reconcile loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			store, err := storage.Open(cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("opening postgres: %w", err)
			}
			defer store.Close()

			redis, err := redisstate.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
			if err != nil {
				return fmt.Errorf("connecting to redis: %w", err)
			}
			defer redis.Close()

			objectStores, err := buildObjectStores(cfg)
			if err != nil {
				return err
			}
			instanceControllers, closeInstances, err := buildInstanceControllers(cfg)
			if err != nil {
				return err
			}
			defer closeInstances()

			volumes, err := volume.NewManager(os.Getenv("CODEHUB_VOLUME_BASE_PATH"))
			if err != nil {
				return fmt.Errorf("opening volume manager: %w", err)
			}
			launcher, closeLauncher, err := buildLauncher(cfg)
			if err != nil {
				return err
			}
			defer closeLauncher()

			storageProviders := map[string]operation.StorageProvider{
				cfg.DefaultStorageBackend: operation.NewStorageProvider(volumes, objectStores[cfg.DefaultStorageBackend], launcher),
			}
			for name, objStore := range objectStores {
				if name == cfg.DefaultStorageBackend {
					continue
				}
				storageProviders[name] = operation.NewStorageProvider(volumes, objStore, launcher)
			}

			observerCtrl := observer.New(store, instanceControllers, storageProviders, redis, cfg.ObserverBaseInterval, cfg.ObserverAcceleratedInterval, cfg.WorkspaceFanout)
			operationCtrl := operation.NewWithIntervals(store, instanceControllers, storageProviders, cfg.WorkspaceFanout, cfg.OperationBaseInterval, cfg.OperationAcceleratedInterval)
			ttlCtrl := ttl.New(store, service.New(store, cfg), redis, cfg.TTLInterval)
			gcCtrl := gc.New(store, objectStores, redis, cfg.GCInterval, cfg.GCOrphanHold)
			broker := events.NewBroker()
			bridge := events.NewBridge(store, broker)

			coord := coordinator.New(store, operationCtrl, observerCtrl, ttlCtrl, gcCtrl, bridge, cfg.CoordinatorInterval)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			coord.Start(ctx)
			log.Info("controlplane: serve started")
			<-ctx.Done()
			log.Info("controlplane: shutting down")
			coord.Stop()
			return nil
		},
	}
}

func buildObjectStores(cfg *config.Config) (map[string]objectstore.Store, error) {
	stores := map[string]objectstore.Store{}
	for _, backend := range []string{"minio", "s3"} {
		store, err := objectstore.New(backend, objectstore.Config{
			Endpoint:  cfg.ObjectStoreEndpoint,
			AccessKey: cfg.ObjectStoreAccessKey,
			SecretKey: cfg.ObjectStoreSecretKey,
			Bucket:    cfg.ObjectStoreBucket,
			UseTLS:    cfg.ObjectStoreUseTLS,
			Region:    cfg.ObjectStoreRegion,
		})
		if err != nil {
			log.Errorf(fmt.Sprintf("controlplane: %s object store unavailable, skipping", backend), err)
			continue
		}
		stores[backend] = store
	}
	if _, ok := stores[cfg.DefaultStorageBackend]; !ok {
		return nil, fmt.Errorf("default storage backend %q did not initialize", cfg.DefaultStorageBackend)
	}
	return stores, nil
}

func buildInstanceControllers(cfg *config.Config) (map[string]runtime.InstanceController, func(), error) {
	controllers := map[string]runtime.InstanceController{}
	var closers []func() error

	containerdSocket := os.Getenv("CODEHUB_CONTAINERD_SOCKET")
	if containerdSocket == "" {
		containerdSocket = "/run/containerd/containerd.sock"
	}
	if ic, err := runtime.New("containerd", containerdSocket, "", ""); err == nil {
		controllers["containerd"] = ic
		if c, ok := ic.(interface{ Close() error }); ok {
			closers = append(closers, c.Close)
		}
	} else {
		log.Errorf("controlplane: containerd backend unavailable, skipping", err)
	}

	kubeconfig := os.Getenv("CODEHUB_KUBECONFIG")
	namespace := os.Getenv("CODEHUB_KUBE_NAMESPACE")
	if namespace == "" {
		namespace = "default"
	}
	if ic, err := runtime.New("kubernetes", "", kubeconfig, namespace); err == nil {
		controllers["kubernetes"] = ic
	} else {
		log.Errorf("controlplane: kubernetes backend unavailable, skipping", err)
	}

	if _, ok := controllers[cfg.DefaultInstanceBackend]; !ok {
		return nil, nil, fmt.Errorf("default instance backend %q did not initialize", cfg.DefaultInstanceBackend)
	}
	return controllers, func() {
		for _, closeFn := range closers {
			_ = closeFn()
		}
	}, nil
}

func buildLauncher(cfg *config.Config) (archivejob.Launcher, func(), error) {
	containerdSocket := os.Getenv("CODEHUB_CONTAINERD_SOCKET")
	if containerdSocket == "" {
		containerdSocket = "/run/containerd/containerd.sock"
	}
	launcher, err := archivejob.NewContainerdLauncher(containerdSocket)
	if err != nil {
		return nil, nil, fmt.Errorf("opening archive job launcher: %w", err)
	}
	return launcher, func() { _ = launcher.Close() }, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations (see controlplane-migrate for rollback/status)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			db, err := sql.Open("pgx", cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("opening postgres connection: %w", err)
			}
			defer db.Close()
			return storage.Migrate(db)
		},
	}
	return cmd
}

func workspaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Operator CLI over the service layer (§6)",
	}
	cmd.AddCommand(
		workspaceCreateCmd(),
		workspaceListCmd(),
		workspaceGetCmd(),
		workspaceUpdateCmd(),
		workspaceDeleteCmd(),
	)
	return cmd
}

func openService() (*service.Service, storage.Store, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	store, err := storage.Open(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening postgres: %w", err)
	}
	return service.New(store, cfg), store, nil
}

func printWorkspace(w *types.Workspace) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(w)
}

func workspaceCreateCmd() *cobra.Command {
	var owner, name, imageRef, desired string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, store, err := openService()
			if err != nil {
				return err
			}
			defer store.Close()
			w, err := svc.Create(cmd.Context(), service.CreateRequest{
				OwnerUserID:  owner,
				Name:         name,
				ImageRef:     imageRef,
				DesiredState: types.DesiredState(desired),
			})
			if err != nil {
				return err
			}
			printWorkspace(w)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owning user id")
	cmd.Flags().StringVar(&name, "name", "", "workspace name")
	cmd.Flags().StringVar(&imageRef, "image", "", "container image reference")
	cmd.Flags().StringVar(&desired, "desired-state", string(types.DesiredPending), "initial desired_state")
	return cmd
}

func workspaceListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workspaces for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, store, err := openService()
			if err != nil {
				return err
			}
			defer store.Close()
			ws, err := svc.List(cmd.Context(), owner, 0, 0)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(ws)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owning user id")
	return cmd
}

func workspaceGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Get a workspace by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, store, err := openService()
			if err != nil {
				return err
			}
			defer store.Close()
			w, err := svc.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printWorkspace(w)
			return nil
		},
	}
	return cmd
}

func workspaceUpdateCmd() *cobra.Command {
	var desired string
	cmd := &cobra.Command{
		Use:   "update [id]",
		Short: "Change a workspace's desired_state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, store, err := openService()
			if err != nil {
				return err
			}
			defer store.Close()
			patch := service.UpdatePatch{}
			if desired != "" {
				d := types.DesiredState(desired)
				patch.DesiredState = &d
			}
			w, err := svc.Update(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			printWorkspace(w)
			return nil
		},
	}
	cmd.Flags().StringVar(&desired, "desired-state", "", "new desired_state")
	return cmd
}

func workspaceDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Soft-delete a workspace (desired_state=DELETED)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, store, err := openService()
			if err != nil {
				return err
			}
			defer store.Close()
			return svc.Delete(cmd.Context(), args[0])
		},
	}
	return cmd
}
