package format_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/tcollins82/fetcha/internal/extractor"
	"github.com/tcollins82/fetcha/internal/fault"
	"github.com/tcollins82/fetcha/internal/format"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) ExtractInfo(ctx context.Context, mediaURL string) (*extractor.MediaInfo, error) {
	args := m.Called(mediaURL)
	if info, ok := args.Get(0).(*extractor.MediaInfo); ok {
		return info, args.Error(1)
	}

	return nil, args.Error(1)
}

type mockGovernor struct {
	mock.Mock
}

func (m *mockGovernor) Admit(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockGovernor) ReportThrottled(hint time.Duration) time.Duration {
	args := m.Called(hint)
	return args.Get(0).(time.Duration)
}

func (m *mockGovernor) ReportSuccess() {
	m.Called()
}

func sampleInfo() *extractor.MediaInfo {
	return &extractor.MediaInfo{
		Title:    "Some Video",
		Uploader: "Someone",
		Duration: 120,
		Formats: []extractor.Format{
			{ID: "sb0", Ext: "mhtml", VideoCodec: "none", AudioCodec: "none"},
			{ID: "v720", VideoCodec: "avc1", AudioCodec: "none", Height: 720, FPS: 30, TotalBitrate: 1500, Filesize: 20_000_000},
			{ID: "v1080lo", VideoCodec: "avc1", AudioCodec: "none", Height: 1080, FPS: 30, TotalBitrate: 2500, Filesize: 40_000_000},
			{ID: "v1080hi", VideoCodec: "vp9", AudioCodec: "none", Height: 1080, FPS: 30, TotalBitrate: 3000, Filesize: 50_000_000},
			{ID: "v1080p60", VideoCodec: "vp9", AudioCodec: "none", Height: 1080, FPS: 60, TotalBitrate: 4000, Filesize: 65_000_000},
			{ID: "a-en-lo", VideoCodec: "none", AudioCodec: "opus", AudioBitrate: 64, Language: "en", Filesize: 2_000_000},
			{ID: "a-en-hi", VideoCodec: "none", AudioCodec: "opus", AudioBitrate: 128, Language: "en", Filesize: 5_000_000},
			{ID: "a-de", VideoCodec: "none", AudioCodec: "opus", AudioBitrate: 96, Language: "de", Filesize: 3_000_000},
		},
	}
}

func newResolver(t *testing.T, info *extractor.MediaInfo, extractErr error) (*format.Resolver, *mockGovernor) {
	engine := new(mockEngine)
	engine.On("ExtractInfo", mock.Anything).Return(info, extractErr)

	gov := new(mockGovernor)
	gov.On("Admit").Return(nil)
	gov.On("ReportSuccess").Return()
	gov.On("ReportThrottled", mock.Anything).Return(time.Second * 30)

	return format.NewResolver(engine, gov), gov
}

func TestResolveOrdersVideoLadderByQualityThenBitrate(t *testing.T) {
	resolver, _ := newResolver(t, sampleInfo(), nil)

	catalog, err := resolver.Resolve(context.Background(), "https://example.com/watch?v=1")
	assert.Nil(t, err)

	ids := make([]string, 0, len(catalog.VideoVariants))
	for _, variant := range catalog.VideoVariants {
		ids = append(ids, variant.ID)
	}

	assert.Equal(t, []string{"v1080p60", "v1080hi", "v1080lo", "v720"}, ids)
}

func TestResolveOrdersAudioWithinLanguageByBitrate(t *testing.T) {
	resolver, _ := newResolver(t, sampleInfo(), nil)

	catalog, err := resolver.Resolve(context.Background(), "https://example.com/watch?v=1")
	assert.Nil(t, err)

	ids := make([]string, 0, len(catalog.AudioVariants))
	for _, variant := range catalog.AudioVariants {
		ids = append(ids, variant.ID)
	}

	// Language groups in stable order, members by descending bitrate.
	assert.Equal(t, []string{"a-de", "a-en-hi", "a-en-lo"}, ids)
}

func TestResolveFiltersUnusableFormats(t *testing.T) {
	resolver, _ := newResolver(t, sampleInfo(), nil)

	catalog, err := resolver.Resolve(context.Background(), "https://example.com/watch?v=1")
	assert.Nil(t, err)

	assert.Nil(t, catalog.Variant("sb0"), "storyboard formats must be filtered out")
}

func TestResolveRecommendsTopOfEachLadder(t *testing.T) {
	resolver, _ := newResolver(t, sampleInfo(), nil)

	catalog, err := resolver.Resolve(context.Background(), "https://example.com/watch?v=1")
	assert.Nil(t, err)

	assert.Equal(t, "v1080p60", catalog.RecommendedVideo)
	assert.Equal(t, "a-en-hi", catalog.RecommendedAudio)

	assert.Equal(t, format.Preset{Video: "v720", Audio: "a-en-hi"}, catalog.QualityPresets["720p"])
	assert.Equal(t, format.Preset{Audio: "a-en-hi"}, catalog.QualityPresets["bestaudio"])
}

func TestSelectionForQuality(t *testing.T) {
	resolver, _ := newResolver(t, sampleInfo(), nil)
	catalog, err := resolver.Resolve(context.Background(), "https://example.com/watch?v=1")
	assert.Nil(t, err)

	video, audio := catalog.SelectionForQuality("auto")
	assert.Equal(t, "v1080p60", video)
	assert.Equal(t, "a-en-hi", audio)

	video, _ = catalog.SelectionForQuality("best[height<=720]")
	assert.Equal(t, "v720", video)

	video, audio = catalog.SelectionForQuality("bestaudio")
	assert.Equal(t, "", video)
	assert.Equal(t, "a-en-hi", audio)

	// A target below the lowest rung falls back to the lowest available.
	video, _ = catalog.SelectionForQuality("best[height<=144]")
	assert.Equal(t, "v720", video)
}

func TestResolveFeedsThrottlingBackToGovernor(t *testing.T) {
	throttled := fault.Throttled(time.Second*90, "upstream service is throttling requests")
	resolver, gov := newResolver(t, nil, throttled)

	_, err := resolver.Resolve(context.Background(), "https://example.com/watch?v=1")
	assert.NotNil(t, err)

	var classified *fault.Error
	assert.True(t, errors.As(err, &classified))
	assert.Equal(t, fault.UpstreamThrottled, classified.Kind)
	assert.Equal(t, time.Second*90, classified.RetryAfter)

	gov.AssertCalled(t, "ReportThrottled", time.Second*90)
	gov.AssertNotCalled(t, "ReportSuccess")
}

func TestResolveDeniedByGovernorNeverCallsEngine(t *testing.T) {
	engine := new(mockEngine)
	gov := new(mockGovernor)
	gov.On("Admit").Return(fault.Throttled(time.Minute, "admission budget exhausted"))

	resolver := format.NewResolver(engine, gov)
	_, err := resolver.Resolve(context.Background(), "https://example.com/watch?v=1")

	assert.Equal(t, fault.UpstreamThrottled, fault.KindOf(err))
	engine.AssertNotCalled(t, "ExtractInfo", mock.Anything)
}
