package format

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tcollins82/fetcha/internal/extractor"
)

type (
	StreamKind string

	// StreamVariant is one fetchable encoding of the source media. Variants
	// are immutable once produced by the resolver; they are grouped by
	// quality (video) or language (audio) for presentation and default
	// selection.
	StreamVariant struct {
		Kind         StreamKind `json:"kind"`
		ID           string     `json:"format_id"`
		Ext          string     `json:"ext"`
		Codec        string     `json:"codec"`
		Width        int        `json:"width,omitempty"`
		Height       int        `json:"height,omitempty"`
		FPS          float64    `json:"fps,omitempty"`
		Bitrate      float64    `json:"bitrate"`
		ApproxSize   int64      `json:"approx_size"`
		Language     string     `json:"language,omitempty"`
		QualityLabel string     `json:"quality_label"`
	}

	// Preset pairs the variant IDs a client should submit to obtain a
	// well-known quality level without inspecting the ladder itself.
	Preset struct {
		Video string `json:"video"`
		Audio string `json:"audio"`
	}

	// Catalog is the full classified set of variants for one URL, with
	// recommended defaults. Catalogs are created per inspection request and
	// discarded after the response is sent; they are never cached.
	Catalog struct {
		URL         string  `json:"url"`
		Title       string  `json:"title"`
		Uploader    string  `json:"uploader"`
		Thumbnail   string  `json:"thumbnail"`
		Description string  `json:"description"`
		UploadDate  string  `json:"upload_date"`
		Duration    float64 `json:"duration"`
		ViewCount   int64   `json:"view_count"`

		VideoVariants []StreamVariant `json:"video_formats"`
		AudioVariants []StreamVariant `json:"audio_formats"`

		RecommendedVideo string            `json:"recommended_video"`
		RecommendedAudio string            `json:"recommended_audio"`
		QualityPresets   map[string]Preset `json:"quality_formats"`
	}
)

const (
	VideoStream StreamKind = "video"
	AudioStream StreamKind = "audio"
)

var presetHeights = map[string]int{"1080p": 1080, "720p": 720, "480p": 480}

// buildCatalog classifies the engine's format list into the typed variant
// ladders. Video variants sort by quality (height, then fps) descending
// with bitrate as the tie breaker; audio variants group by language with
// members sorted by descending bitrate.
func buildCatalog(mediaURL string, info *extractor.MediaInfo) *Catalog {
	videos := make([]StreamVariant, 0)
	audios := make([]StreamVariant, 0)

	for _, format := range info.Formats {
		if format.ID == "" {
			continue
		}

		videoOnly := usableCodec(format.VideoCodec) && !usableCodec(format.AudioCodec)
		audioOnly := usableCodec(format.AudioCodec) && !usableCodec(format.VideoCodec)

		switch {
		case videoOnly && format.Height > 0:
			videos = append(videos, StreamVariant{
				Kind:         VideoStream,
				ID:           format.ID,
				Ext:          format.Ext,
				Codec:        format.VideoCodec,
				Width:        format.Width,
				Height:       format.Height,
				FPS:          format.FPS,
				Bitrate:      videoBitrate(format),
				ApproxSize:   approxSize(format),
				QualityLabel: qualityLabel(format.Height, format.FPS),
			})
		case audioOnly:
			audios = append(audios, StreamVariant{
				Kind:         AudioStream,
				ID:           format.ID,
				Ext:          format.Ext,
				Codec:        format.AudioCodec,
				Bitrate:      audioBitrate(format),
				ApproxSize:   approxSize(format),
				Language:     format.Language,
				QualityLabel: audioLabel(format),
			})
		}
	}

	sort.SliceStable(videos, func(i, j int) bool {
		if videos[i].Height != videos[j].Height {
			return videos[i].Height > videos[j].Height
		}
		if videos[i].FPS != videos[j].FPS {
			return videos[i].FPS > videos[j].FPS
		}
		return videos[i].Bitrate > videos[j].Bitrate
	})

	sort.SliceStable(audios, func(i, j int) bool {
		if audios[i].Language != audios[j].Language {
			return audios[i].Language < audios[j].Language
		}
		return audios[i].Bitrate > audios[j].Bitrate
	})

	catalog := &Catalog{
		URL:           mediaURL,
		Title:         info.Title,
		Uploader:      info.Uploader,
		Thumbnail:     info.Thumbnail,
		Description:   info.Description,
		UploadDate:    info.UploadDate,
		Duration:      info.Duration,
		ViewCount:     info.ViewCount,
		VideoVariants: videos,
		AudioVariants: audios,
	}

	if len(videos) > 0 {
		catalog.RecommendedVideo = videos[0].ID
	}
	catalog.RecommendedAudio = catalog.bestAudioID()

	catalog.QualityPresets = map[string]Preset{
		"auto":      {Video: catalog.RecommendedVideo, Audio: catalog.RecommendedAudio},
		"bestaudio": {Audio: catalog.RecommendedAudio},
	}
	for name, height := range presetHeights {
		catalog.QualityPresets[name] = Preset{
			Video: catalog.bestVideoIDAtOrBelow(height),
			Audio: catalog.RecommendedAudio,
		}
	}

	return catalog
}

// SelectionForQuality resolves a client quality expression to the variant
// IDs to fetch. Supported expressions: "auto" (default), "bestaudio",
// preset names like "720p", and height-bounded selectors like
// "best[height<=720]".
func (catalog *Catalog) SelectionForQuality(quality string) (videoID string, audioID string) {
	switch quality {
	case "", "auto":
		return catalog.RecommendedVideo, catalog.RecommendedAudio
	case "bestaudio":
		return "", catalog.RecommendedAudio
	}

	if height := parseTargetHeight(quality); height > 0 {
		return catalog.bestVideoIDAtOrBelow(height), catalog.RecommendedAudio
	}

	return catalog.RecommendedVideo, catalog.RecommendedAudio
}

// Variant looks up a variant by its engine format ID.
func (catalog *Catalog) Variant(id string) *StreamVariant {
	for i := range catalog.VideoVariants {
		if catalog.VideoVariants[i].ID == id {
			return &catalog.VideoVariants[i]
		}
	}
	for i := range catalog.AudioVariants {
		if catalog.AudioVariants[i].ID == id {
			return &catalog.AudioVariants[i]
		}
	}

	return nil
}

// bestVideoIDAtOrBelow returns the highest-quality video variant whose
// height does not exceed the target, falling back to the lowest available
// variant when everything is above the target.
func (catalog *Catalog) bestVideoIDAtOrBelow(height int) string {
	for _, variant := range catalog.VideoVariants {
		if variant.Height <= height {
			return variant.ID
		}
	}

	if count := len(catalog.VideoVariants); count > 0 {
		return catalog.VideoVariants[count-1].ID
	}

	return ""
}

// bestAudioID returns the highest-bitrate audio variant across all
// language groups.
func (catalog *Catalog) bestAudioID() string {
	bestID := ""
	bestBitrate := -1.0
	for _, variant := range catalog.AudioVariants {
		if variant.Bitrate > bestBitrate {
			bestID = variant.ID
			bestBitrate = variant.Bitrate
		}
	}

	return bestID
}

func usableCodec(codec string) bool {
	return codec != "" && codec != "none"
}

func videoBitrate(format extractor.Format) float64 {
	if format.TotalBitrate > 0 {
		return format.TotalBitrate
	}

	return format.VideoBitrate
}

func audioBitrate(format extractor.Format) float64 {
	if format.AudioBitrate > 0 {
		return format.AudioBitrate
	}

	return format.TotalBitrate
}

func approxSize(format extractor.Format) int64 {
	if format.Filesize > 0 {
		return format.Filesize
	}

	return format.FilesizeApprox
}

func qualityLabel(height int, fps float64) string {
	if fps >= 50 {
		return fmt.Sprintf("%dp%.0f", height, fps)
	}

	return fmt.Sprintf("%dp", height)
}

func audioLabel(format extractor.Format) string {
	if bitrate := audioBitrate(format); bitrate > 0 {
		return fmt.Sprintf("%.0fkbps", bitrate)
	}

	return format.Note
}

// parseTargetHeight accepts "720p" and "best[height<=720]" style quality
// expressions, returning 0 when no height bound can be extracted.
func parseTargetHeight(quality string) int {
	if height, ok := presetHeights[quality]; ok {
		return height
	}

	if idx := strings.Index(quality, "height<="); idx != -1 {
		rest := quality[idx+len("height<="):]
		if end := strings.IndexAny(rest, "]/"); end != -1 {
			rest = rest[:end]
		}

		if height, err := strconv.Atoi(rest); err == nil {
			return height
		}
	}

	if strings.HasSuffix(quality, "p") {
		if height, err := strconv.Atoi(strings.TrimSuffix(quality, "p")); err == nil {
			return height
		}
	}

	return 0
}
