package toots

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tootsync/internal/mastodon"
	"gorm.io/datatypes"
)

var emptyMedia = datatypes.JSON("[]")

// NormalizerConfig describes the collaborators used during normalization.
type NormalizerConfig struct {
	Renderer       HTMLRenderer
	Extractor      LinkExtractor
	SourceInstance string
}

// Normalizer maps raw statuses into Toot rows. It performs no I/O.
type Normalizer struct {
	renderer       HTMLRenderer
	extractor      LinkExtractor
	sourceInstance string
}

// NewNormalizer constructs a Normalizer, defaulting to the markdown renderer and HTML link extractor.
func NewNormalizer(cfg NormalizerConfig) (*Normalizer, error) {
	instance := strings.TrimSpace(cfg.SourceInstance)
	if instance == "" {
		return nil, errMissingInstance
	}
	renderer := cfg.Renderer
	if renderer == nil {
		renderer = NewMarkdownRenderer()
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = NewLinkExtractor()
	}
	return &Normalizer{
		renderer:       renderer,
		extractor:      extractor,
		sourceInstance: instance,
	}, nil
}

// Normalize converts one status. isLiked records favourite provenance.
func (n *Normalizer) Normalize(status mastodon.Status, isLiked bool) (Toot, error) {
	tootID := status.StatusID()
	if tootID == "" {
		return Toot{}, errMissingTootID
	}

	body := status.Body()
	text, err := n.renderer.Render(body)
	if err != nil {
		return Toot{}, fmt.Errorf("render status %s: %w", tootID, err)
	}

	links, err := n.extractor.Extract(body)
	if err != nil {
		return Toot{}, fmt.Errorf("extract links from status %s: %w", tootID, err)
	}
	if links == nil {
		links = []string{}
	}

	createdAt, err := status.CreatedTime()
	if err != nil {
		return Toot{}, fmt.Errorf("parse created_at of status %s: %w", tootID, err)
	}

	toot := Toot{
		TootID:    tootID,
		LikedToot: isLiked,
		Text:      text,
		URLs:      datatypes.JSONSlice[string](links),
		UserID:    QualifyHandle(status.Handle(), n.sourceInstance),
		TootURL:   status.Permalink(),
		Media:     passthroughMedia(status.MediaAttachments),
		Hashtags:  datatypes.JSONSlice[string](status.TagNames()),
		Reply:     nil,
		PostedAt:  createdAt,
	}
	if status.Account != nil {
		toot.UserName = status.Account.DisplayName
		toot.UserAvatar = status.Account.Avatar
	}
	return toot, nil
}

// QualifyHandle returns handle unchanged when it already carries a domain,
// otherwise it appends "@instance".
func QualifyHandle(handle, instance string) string {
	if strings.Contains(handle, "@") {
		return handle
	}
	return handle + "@" + instance
}

// DropEmpty removes statuses whose body has zero length, such as reblogs.
func DropEmpty(statuses []mastodon.Status) []mastodon.Status {
	kept := make([]mastodon.Status, 0, len(statuses))
	for _, status := range statuses {
		if len(status.Body()) == 0 {
			continue
		}
		kept = append(kept, status)
	}
	return kept
}

func passthroughMedia(raw []byte) datatypes.JSON {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return append(datatypes.JSON(nil), emptyMedia...)
	}
	return append(datatypes.JSON(nil), raw...)
}
