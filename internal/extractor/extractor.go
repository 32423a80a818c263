package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/tcollins82/fetcha/internal/fault"
	"github.com/tcollins82/fetcha/pkg/logger"
)

var log = logger.Get("Extractor")

type (
	Config struct {
		// CookieFilePath optionally points at a Netscape-format cookie file
		// handed to the engine on every call. Authenticated cookies are the
		// main mitigation against upstream bot-detection throttling.
		CookieFilePath string `yaml:"cookie_file" env:"COOKIE_FILE"`

		// ProgressIntervalMillis controls how often the engine reports
		// transfer progress during a fetch.
		ProgressIntervalMillis int `yaml:"progress_interval_millis" env:"PROGRESS_INTERVAL_MILLIS" env-default:"500"`
	}

	// MediaInfo is the typed projection of the engine's loosely-typed info
	// JSON. Everything downstream of this package operates on this model,
	// never on raw engine maps.
	MediaInfo struct {
		ID          string   `json:"id"`
		Title       string   `json:"title"`
		Uploader    string   `json:"uploader"`
		Thumbnail   string   `json:"thumbnail"`
		Description string   `json:"description"`
		UploadDate  string   `json:"upload_date"`
		Duration    float64  `json:"duration"`
		ViewCount   int64    `json:"view_count"`
		Formats     []Format `json:"formats"`
	}

	// Format is one encoding the engine reports as fetchable. Fields mirror
	// the engine's info-dict naming; null entries unmarshal to zero values.
	Format struct {
		ID             string  `json:"format_id"`
		Ext            string  `json:"ext"`
		VideoCodec     string  `json:"vcodec"`
		AudioCodec     string  `json:"acodec"`
		Width          int     `json:"width"`
		Height         int     `json:"height"`
		FPS            float64 `json:"fps"`
		TotalBitrate   float64 `json:"tbr"`
		AudioBitrate   float64 `json:"abr"`
		VideoBitrate   float64 `json:"vbr"`
		Filesize       int64   `json:"filesize"`
		FilesizeApprox int64   `json:"filesize_approx"`
		Language       string  `json:"language"`
		Note           string  `json:"format_note"`
	}

	// FetchRequest describes one byte fetch: the selector is an engine
	// format expression (a single format ID, or an engine-chosen fallback
	// chain), and the output prefix names the produced file uniquely
	// within the output directory.
	FetchRequest struct {
		URL          string
		Selector     string
		OutputDir    string
		OutputPrefix string
	}

	Progress struct {
		DownloadedBytes int64
		TotalBytes      int64
	}

	// Engine wraps the external extraction/fetch capability. It owns
	// translation of every engine failure into the fault taxonomy; no raw
	// engine error escapes this package.
	Engine struct {
		config  Config
		cookies *CookieJar
	}
)

func New(config Config) *Engine {
	return &Engine{
		config:  config,
		cookies: NewCookieJar(config.CookieFilePath),
	}
}

func (engine *Engine) Cookies() *CookieJar { return engine.cookies }

// ExtractInfo asks the engine to resolve the URL into its info document
// without downloading any media bytes.
func (engine *Engine) ExtractInfo(ctx context.Context, mediaURL string) (*MediaInfo, error) {
	cmd := ytdlp.New().
		SkipDownload().
		DumpSingleJSON().
		NoPlaylist()
	engine.applyCookies(cmd)

	log.Debugf("Extracting info for %s\n", mediaURL)
	result, err := cmd.Run(ctx, mediaURL)
	if err != nil {
		return nil, engine.classify(err)
	}

	var info MediaInfo
	if err := json.Unmarshal([]byte(result.Stdout), &info); err != nil {
		return nil, fault.Newf(fault.ExtractionFailure, "engine produced malformed info payload: %s", err)
	}
	if info.Title == "" && len(info.Formats) == 0 {
		return nil, fault.New(fault.ExtractionFailure, "engine produced an empty info payload")
	}

	return &info, nil
}

// Fetch downloads the stream(s) matched by the request selector into the
// request's output directory and returns the path of the produced file.
// Incremental progress is reported through onProgress when the underlying
// transfer exposes it.
func (engine *Engine) Fetch(ctx context.Context, request FetchRequest, onProgress func(Progress)) (string, error) {
	outputTemplate := filepath.Join(request.OutputDir, request.OutputPrefix+".%(ext)s")
	cmd := ytdlp.New().
		NoPlaylist().
		ForceOverwrites().
		Format(request.Selector).
		Output(outputTemplate)
	engine.applyCookies(cmd)

	if onProgress != nil {
		interval := time.Duration(engine.config.ProgressIntervalMillis) * time.Millisecond
		cmd.ProgressFunc(interval, func(update ytdlp.ProgressUpdate) {
			onProgress(Progress{
				DownloadedBytes: int64(update.DownloadedBytes),
				TotalBytes:      int64(update.TotalBytes),
			})
		})
	}

	log.Debugf("Fetching %s (selector %s) into %s\n", request.URL, request.Selector, request.OutputDir)
	if _, err := cmd.Run(ctx, request.URL); err != nil {
		return "", engine.classify(err)
	}

	produced, err := findProducedFile(request.OutputDir, request.OutputPrefix)
	if err != nil {
		return "", fault.Newf(fault.ExtractionFailure, "engine reported success but produced no output: %s", err)
	}

	return produced, nil
}

func (engine *Engine) applyCookies(cmd *ytdlp.Command) {
	if engine.cookies.Configured() && engine.cookies.Exists() {
		cmd.Cookies(engine.cookies.Path())
	}
}

// findProducedFile locates the file the engine wrote for the given unique
// prefix. The largest match wins, which skips leftover partial fragments.
func findProducedFile(dir string, prefix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var best string
	var bestSize int64 = -1
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || strings.HasSuffix(entry.Name(), ".part") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			best = filepath.Join(dir, entry.Name())
			bestSize = info.Size()
		}
	}

	if best == "" {
		return "", fmt.Errorf("no file with prefix %q found in %s", prefix, dir)
	}

	return best, nil
}
