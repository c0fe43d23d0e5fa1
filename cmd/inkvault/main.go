// inkvault is a self-hosted sync server for e-ink notebook devices.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/inkvault/inkvault/internal/blob"
	"github.com/inkvault/inkvault/internal/config"
	"github.com/inkvault/inkvault/internal/metrics"
	"github.com/inkvault/inkvault/internal/protocol"
	"github.com/inkvault/inkvault/internal/quota"
	"github.com/inkvault/inkvault/internal/signer"
	"github.com/inkvault/inkvault/internal/store"
	"github.com/inkvault/inkvault/internal/upload"
	"github.com/inkvault/inkvault/internal/vfs"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "inkvault",
		Short: "Self-hosted note sync server",
		Long: `inkvault is a self-hosted sync backend for e-ink notebook devices.

It stores notes as content-addressed, deduplicated blobs, tracks each
user's file tree with a recycle bin and per-user quotas, and speaks the
device sync protocol: chunked uploads, signed transfer URLs and
device/web folder views.`,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("inkvault %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write an example server.yaml",
		RunE:  runInit,
	}
	initCmd.Flags().StringP("output", "o", ".", "Output directory for the config file")
	rootCmd.AddCommand(initCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if !config.ApplyLogLevel(level) {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func loadConfig() (*config.ServerConfig, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.LoadServerConfig(cfgFile)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	setupLogging(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("data_dir", cfg.Storage.DataDir).
		Str("listen", cfg.Listen).
		Msg("Starting inkvault")

	db, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	blobs, err := blob.NewStore(filepath.Join(cfg.Storage.DataDir, "blobs"))
	if err != nil {
		return err
	}

	quotas := quota.NewTracker(db, cfg.Storage.DefaultQuota.Bytes())
	tree := vfs.New(db, blobs)
	nonces := signer.NewNonceRegistry(db)
	urls := signer.New([]byte(cfg.Signer.Secret), cfg.SignerTTLDuration(), nonces)

	uploads, err := upload.NewManager(
		filepath.Join(cfg.Storage.DataDir, "staging"),
		tree, blobs, quotas,
		cfg.SessionTTLDuration(), cfg.Upload.MaxChunkSize.Bytes())
	if err != nil {
		return err
	}

	metrics.Init(nil)

	handler := protocol.NewHandler(protocol.Config{
		BaseURL:           cfg.PublicURL,
		SyncLockTTL:       cfg.SyncLockTTLDuration(),
		RestoreAutoRename: cfg.Sync.RestoreAutoRename,
	}, tree, uploads, urls, quotas, blobs, nil)

	sweeper := protocol.NewSweeper(tree, uploads, nonces, quotas, nil,
		cfg.RecycleRetentionDuration(), cfg.SweepIntervalDuration())
	sweeper.Start()
	defer sweeper.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/transfer/", newTransferServer(handler, cfg.Upload.MaxChunkSize.Bytes()))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Forced http shutdown")
	}
	return nil
}

const exampleConfig = `# inkvault server configuration
listen: ":9464"
public_url: "http://localhost:9464"
log_level: "info"
sweep_interval: "1m"

storage:
  data_dir: "~/inkvault-data"
  default_quota: "25GB"
  recycle_retention: "720h" # 30 days, how long deleted files stay recoverable

upload:
  session_ttl: "30m"
  max_chunk_size: "16MB"

signer:
  # HMAC secret for signed transfer URLs. Generate with: openssl rand -hex 32
  secret: ""
  ttl: "5m"

sync:
  lock_ttl: "5m"
  restore_auto_rename: false
`

func runInit(cmd *cobra.Command, args []string) error {
	outDir, _ := cmd.Flags().GetString("output")
	path := filepath.Join(outDir, "server.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.WriteFile(path, []byte(exampleConfig), 0o600); err != nil {
		return err
	}
	fmt.Printf("Wrote %s — set signer.secret before starting\n", path)
	return nil
}

// transferServer redeems signed transfer URLs over HTTP: GET streams a
// download, PUT stages an upload chunk. Everything else the protocol speaks
// goes through the external routing layer; these two live here because a
// signed URL must be directly fetchable.
type transferServer struct {
	h        *protocol.Handler
	maxChunk int64
}

func newTransferServer(h *protocol.Handler, maxChunk int64) *transferServer {
	return &transferServer{h: h, maxChunk: maxChunk}
}

func (t *transferServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		t.serveDownload(w, r)
	case http.MethodPut:
		t.serveChunk(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (t *transferServer) serveDownload(w http.ResponseWriter, r *http.Request) {
	rc, entry, err := t.h.Download(r.Context(), r.URL.String())
	if err != nil {
		writeTransferError(w, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", entry.Name))
	if _, err := io.Copy(w, rc); err != nil {
		log.Warn().Err(err).Str("name", entry.Name).Msg("Download stream aborted")
	}
}

// serveChunk accepts PUT /transfer/{sessionID}. The first chunk must carry
// the signed token, which opens the transfer; later chunks ride on the
// session id alone.
func (t *transferServer) serveChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/transfer/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		http.Error(w, "bad transfer path", http.StatusBadRequest)
		return
	}

	// The redeemed mark lives on the session itself, so it vanishes with
	// the session no matter how the session ends.
	if !t.h.UploadOpened(sessionID) {
		granted, err := t.h.OpenUpload(r.Context(), r.URL.String())
		if err != nil || granted != sessionID {
			writeTransferError(w, signer.ErrDenied)
			return
		}
	}

	offset, err := strconv.ParseInt(r.Header.Get("X-Chunk-Offset"), 10, 64)
	if err != nil {
		http.Error(w, "missing or invalid X-Chunk-Offset", http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.maxChunk))
	if err != nil {
		http.Error(w, "read chunk", http.StatusRequestEntityTooLarge)
		return
	}

	if err := t.h.PutChunk(r.Context(), sessionID, offset, data); err != nil {
		writeTransferError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeTransferError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, signer.ErrExpired):
		http.Error(w, "transfer url expired", http.StatusForbidden)
	case errors.Is(err, signer.ErrDenied):
		http.Error(w, "transfer denied", http.StatusForbidden)
	case errors.Is(err, vfs.ErrNotFound), errors.Is(err, blob.ErrNotFound),
		errors.Is(err, upload.ErrSessionNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, upload.ErrSessionExpired):
		http.Error(w, "upload session expired", http.StatusGone)
	case errors.Is(err, upload.ErrChunkOutOfRange), errors.Is(err, upload.ErrChunkTooLarge):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
