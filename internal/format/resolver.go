package format

import (
	"context"
	"time"

	"github.com/tcollins82/fetcha/internal/extractor"
	"github.com/tcollins82/fetcha/internal/fault"
	"github.com/tcollins82/fetcha/pkg/logger"
)

var log = logger.Get("FormatResolver")

type (
	infoExtractor interface {
		ExtractInfo(ctx context.Context, mediaURL string) (*extractor.MediaInfo, error)
	}

	admitter interface {
		Admit(ctx context.Context) error
		ReportThrottled(time.Duration) time.Duration
		ReportSuccess()
	}

	// Resolver turns a media URL into a classified catalog of stream
	// variants. Resolution always asks the engine fresh; catalogs go stale
	// quickly upstream, so the staleness risk of caching outweighs the
	// latency cost of re-resolving.
	Resolver struct {
		engine   infoExtractor
		governor admitter
	}
)

func NewResolver(engine infoExtractor, governor admitter) *Resolver {
	return &Resolver{engine: engine, governor: governor}
}

// Resolve produces the catalog for the URL provided, failing with exactly
// one fault taxonomy kind. Admission is sought from the rate governor
// before the engine is called; throttling signals from the engine are fed
// back into the governor's escalation state.
func (resolver *Resolver) Resolve(ctx context.Context, mediaURL string) (*Catalog, error) {
	if err := resolver.governor.Admit(ctx); err != nil {
		return nil, err
	}

	info, err := resolver.engine.ExtractInfo(ctx, mediaURL)
	if err != nil {
		if classified := fault.From(err); classified.Kind == fault.UpstreamThrottled {
			resolver.governor.ReportThrottled(classified.RetryAfter)
		}

		return nil, err
	}
	resolver.governor.ReportSuccess()

	catalog := buildCatalog(mediaURL, info)
	log.Debugf("Resolved %s: %d video / %d audio variants\n", mediaURL, len(catalog.VideoVariants), len(catalog.AudioVariants))

	return catalog, nil
}
