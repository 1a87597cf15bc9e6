package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/peterbourgon/ff/v4"

	"github.com/zombor/leafscan/internal/acquire"
	"github.com/zombor/leafscan/internal/archive"
	"github.com/zombor/leafscan/internal/history"
	"github.com/zombor/leafscan/internal/imaging"
	"github.com/zombor/leafscan/internal/permission"
	"github.com/zombor/leafscan/internal/present"
	"github.com/zombor/leafscan/internal/scanning"
	"github.com/zombor/leafscan/internal/staging"
	"github.com/zombor/leafscan/internal/workflow"
)

type scanConfig struct {
	root *rootConfig

	userID        *string
	source        *string
	imagePath     *string
	cameraCommand *string
	stagingDir    *string
	keepStaged    *bool
	quality       *int
	grantAll      *bool
	retries       *int
	retryDelay    *time.Duration

	backend     *string
	serverURI   *string
	timeout     *time.Duration
	geminiKey   *string
	geminiModel *string

	archiveEndpoint  *string
	archiveRegion    *string
	archiveBucket    *string
	archiveAccessKey *string
	archiveSecretKey *string
	archiveSSL       *bool
}

func newScanCommand(root *rootConfig) *ff.Command {
	fs := ff.NewFlagSet("scan").SetParent(root.flags)
	cfg := &scanConfig{
		root: root,

		userID:        fs.StringLong("user", "", "Signed-in user id (required)"),
		source:        fs.StringLong("source", "camera", "Image source: 'camera' or 'gallery'"),
		imagePath:     fs.StringLong("image", "", "Gallery image path; prompts when empty"),
		cameraCommand: fs.StringLong("camera-command", "", "Camera capture command, e.g. 'libcamera-still -n -o {output}'"),
		stagingDir:    fs.StringLong("staging-dir", "./staged", "Directory for staged uploads"),
		keepStaged:    fs.BoolLong("keep-staged", "Keep staged images after the scan"),
		quality:       fs.IntLong("quality", imaging.DefaultQuality, "JPEG quality for staged images (1-100)"),
		grantAll:      fs.BoolLong("yes", "Grant camera and gallery access without prompting"),
		retries:       fs.IntLong("retries", 0, "Retry retryable failures this many times"),
		retryDelay:    fs.DurationLong("retry-delay", 2*time.Second, "Wait between retries"),

		backend:     fs.StringLong("backend", "http", "Inference backend: 'http' or 'gemini'"),
		serverURI:   fs.StringLong("server-uri", "http://localhost:5000", "Inference server base URL"),
		timeout:     fs.DurationLong("timeout", 60*time.Second, "Inference request timeout"),
		geminiKey:   fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)"),
		geminiModel: fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name"),

		archiveEndpoint:  fs.StringLong("archive-endpoint", "", "MinIO endpoint for archiving diagnosed images (optional)"),
		archiveRegion:    fs.StringLong("archive-region", "us-east-1", "MinIO region"),
		archiveBucket:    fs.StringLong("archive-bucket", "leafscan", "MinIO bucket"),
		archiveAccessKey: fs.StringLong("archive-access-key", "", "MinIO access key"),
		archiveSecretKey: fs.StringLong("archive-secret-key", "", "MinIO secret key"),
		archiveSSL:       fs.BoolLong("archive-ssl", "Use TLS for MinIO"),
	}

	return &ff.Command{
		Name:      "scan",
		Usage:     "leafscan scan --user ID [--source camera|gallery] [FLAGS]",
		ShortHelp: "capture or pick a leaf image and diagnose it",
		Flags:     fs,
		Exec:      cfg.exec,
	}
}

func (c *scanConfig) exec(ctx context.Context, args []string) error {
	if err := c.root.setupLogging(); err != nil {
		return err
	}

	source, err := acquire.ParseSource(*c.source)
	if err != nil {
		return usageError{err}
	}
	if *c.userID == "" {
		return usageError{workflow.ErrUserRequired}
	}
	if *c.retries < 0 {
		return usageError{fmt.Errorf("--retries must not be negative")}
	}

	uploader, err := c.newUploader()
	if err != nil {
		return err
	}
	defer uploader.Close()

	// Prompts share one reader so buffered input is not lost between them
	stdin := bufio.NewReader(os.Stdin)

	acquirer, err := c.newAcquirer(stdin)
	if err != nil {
		return err
	}

	slog.Info("Initializing staging...", "dir", *c.stagingDir)
	store, err := staging.NewLocalStore(*c.stagingDir, *c.quality)
	if err != nil {
		return fmt.Errorf("initializing staging: %w", err)
	}

	slog.Info("Initializing database...", "path", *c.root.dbPath)
	db, err := history.NewBoltDB(*c.root.dbPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	presenters := workflow.Presenters{
		present.NewTerminal(os.Stdout),
		history.NewRecorder(db),
	}
	if *c.archiveEndpoint != "" {
		slog.Info("Initializing archive...", "endpoint", *c.archiveEndpoint, "bucket", *c.archiveBucket)
		archiver, err := archive.Connect(ctx, archive.Config{
			Endpoint:  *c.archiveEndpoint,
			Region:    *c.archiveRegion,
			Bucket:    *c.archiveBucket,
			AccessKey: *c.archiveAccessKey,
			SecretKey: *c.archiveSecretKey,
			UseSSL:    *c.archiveSSL,
		})
		if err != nil {
			return fmt.Errorf("initializing archive: %w", err)
		}
		presenters = append(presenters, archiver)
	}

	opts := workflow.DefaultOptions()
	opts.KeepStaged = *c.keepStaged
	opts.Observer = func(s workflow.State) {
		slog.Debug("Scan state", "attempt", s.Attempt, "phase", s.Phase)
	}

	wf := workflow.New(c.newGate(stdin), acquirer, store, uploader, presenters, opts)
	return runScan(ctx, wf, *c.userID, source, *c.retries, *c.retryDelay, os.Stdout)
}

// runScan runs one scan and retries retryable failures
func runScan(ctx context.Context, wf *workflow.Workflow, userID string, source acquire.Source, retries int, delay time.Duration, out io.Writer) error {
	// Reset releases a staged file still kept for a retry that will not come
	defer wf.Reset()

	state, err := wf.RequestScan(ctx, userID, source)
	if err != nil {
		return err
	}

	for i := 0; i < retries && state.Phase == workflow.PhaseFailed && state.Err.Retryable(); i++ {
		fmt.Fprintf(out, "Retrying (%d/%d)...\n", i+1, retries)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if state, err = wf.Retry(ctx); err != nil {
			return err
		}
	}

	switch state.Phase {
	case workflow.PhaseIdle:
		fmt.Fprintln(out, "Scan cancelled.")
		return nil
	case workflow.PhaseFailed:
		return state.Err
	default:
		return nil
	}
}

func (c *scanConfig) newUploader() (scanning.Uploader, error) {
	switch *c.backend {
	case "http":
		slog.Info("Initializing inference client...", "url", *c.serverURI, "timeout", *c.timeout)
		uploader, err := scanning.NewHTTPUploader(*c.serverURI, *c.timeout)
		if err != nil {
			return nil, fmt.Errorf("initializing inference client: %w", err)
		}
		return uploader, nil
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *c.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, usageError{errors.New("gemini API key is required: set --gemini-key or GEMINI_API_KEY")}
		}
		slog.Info("Initializing Gemini backend...", "model", *c.geminiModel)
		uploader, err := scanning.NewGemini(apiKey, *c.geminiModel)
		if err != nil {
			return nil, fmt.Errorf("initializing gemini: %w", err)
		}
		return uploader, nil
	default:
		return nil, usageError{fmt.Errorf("invalid backend %q: want http or gemini", *c.backend)}
	}
}

func (c *scanConfig) newAcquirer(stdin *bufio.Reader) (*acquire.Device, error) {
	var camera acquire.Capturer = unconfiguredCamera{}
	if *c.cameraCommand != "" {
		cmd, err := acquire.NewCommandCamera(*c.cameraCommand)
		if err != nil {
			return nil, usageError{err}
		}
		camera = cmd
	}

	var gallery acquire.Picker = acquire.NewPromptPicker(stdin, os.Stderr)
	if *c.imagePath != "" {
		gallery = acquire.PathPicker(*c.imagePath)
	}

	return acquire.NewDevice(camera, gallery, filepath.Join(*c.stagingDir, "captures"))
}

func (c *scanConfig) newGate(stdin *bufio.Reader) permission.Gate {
	if *c.grantAll {
		return permission.StaticGate{Camera: true, Gallery: true}
	}
	return permission.NewPromptGate(stdin, os.Stderr)
}

// unconfiguredCamera fails every capture
type unconfiguredCamera struct{}

func (unconfiguredCamera) Capture(ctx context.Context, dest string) error {
	return errors.New("no camera command configured: set --camera-command")
}
