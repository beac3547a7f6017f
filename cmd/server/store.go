package main

import (
	"errors"
	"fmt"

	"glyph-sync-server/internal/config"
	"glyph-sync-server/internal/crdt"
	"glyph-sync-server/internal/domain"
	"glyph-sync-server/internal/storage"

	"github.com/spf13/cobra"
)

var (
	storeBackend   string
	storePath      string
	storeNamespace string
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect the local replica store used by editor sessions",
}

var storeShowCmd = &cobra.Command{
	Use:   "show <taskId>",
	Short: "Print the persisted output document of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openLocalStore()
		if err != nil {
			return err
		}
		defer s.Close()

		data, err := s.Load(cmd.Context(), domain.StorageKey(storeNamespace, args[0]))
		if errors.Is(err, storage.ErrNotFound) {
			fmt.Fprintf(cmd.ErrOrStderr(), "no stored state for task %s\n", args[0])
			return exitInvalid
		}
		if err != nil {
			return err
		}

		doc := crdt.New("inspect")
		defer doc.Destroy()
		if err := doc.Merge(data, domain.OriginSystem); err != nil {
			return fmt.Errorf("decode stored state: %w", err)
		}
		return writeJSON(cmd.OutOrStdout(), doc.Snapshot())
	},
}

var storeDeleteCmd = &cobra.Command{
	Use:   "delete <taskId>",
	Short: "Remove the persisted state of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openLocalStore()
		if err != nil {
			return err
		}
		defer s.Close()
		return s.Delete(cmd.Context(), domain.StorageKey(storeNamespace, args[0]))
	},
}

func init() {
	storeCmd.PersistentFlags().StringVar(&storeBackend, "backend", "", "badger, bolt or memory (default from STORAGE_BACKEND)")
	storeCmd.PersistentFlags().StringVar(&storePath, "path", "", "store directory (default from STORAGE_PATH)")
	storeCmd.PersistentFlags().StringVar(&storeNamespace, "namespace", "glyph", "storage key namespace")

	storeCmd.AddCommand(storeShowCmd, storeDeleteCmd)
	rootCmd.AddCommand(storeCmd)
}

func openLocalStore() (storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	backend, path := cfg.Storage.Backend, cfg.Storage.Path
	if storeBackend != "" {
		backend = storeBackend
	}
	if storePath != "" {
		path = storePath
	}
	return storage.Open(backend, path, cfg.Storage.SyncWrites, nil)
}
