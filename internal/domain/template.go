package domain

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/acme/mass-dispatch/pkg/errors"
)

// TemplateKind tags the message template variant.
type TemplateKind string

const (
	TemplateText         TemplateKind = "text"
	TemplateImage        TemplateKind = "image"
	TemplateImageCaption TemplateKind = "image_caption"
	TemplateVideo        TemplateKind = "video"
	TemplateVideoCaption TemplateKind = "video_caption"
	TemplateAudio        TemplateKind = "audio"
	TemplateFile         TemplateKind = "file"
	TemplateFileCaption  TemplateKind = "file_caption"
	TemplateSequence     TemplateKind = "sequence"
)

// MediaType maps a media variant to the gateway media type.
func (k TemplateKind) MediaType() string {
	switch k {
	case TemplateImage, TemplateImageCaption:
		return "image"
	case TemplateVideo, TemplateVideoCaption:
		return "video"
	case TemplateAudio:
		return "audio"
	case TemplateFile, TemplateFileCaption:
		return "document"
	}
	return ""
}

func (k TemplateKind) hasCaption() bool {
	return k == TemplateImageCaption || k == TemplateVideoCaption || k == TemplateFileCaption
}

// MessageContent is the payload of a single outbound message.
type MessageContent struct {
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"mediaUrl,omitempty"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// SequenceStep is one sub-message of a sequence template. DelaySeconds is
// relative to the previous step.
type SequenceStep struct {
	Kind         TemplateKind   `json:"kind"`
	Content      MessageContent `json:"content"`
	DelaySeconds int            `json:"delaySeconds"`
}

// MessageTemplate is the tagged variant sent to every recipient.
type MessageTemplate struct {
	Kind     TemplateKind   `json:"kind"`
	Content  MessageContent `json:"content"`
	Sequence []SequenceStep `json:"sequence,omitempty"`
}

// TotalDelay sums the per-step delays of a sequence.
func (t MessageTemplate) TotalDelay() time.Duration {
	var total time.Duration
	for _, step := range t.Sequence {
		total += time.Duration(step.DelaySeconds) * time.Second
	}
	return total
}

// Validate checks the template variant is well formed.
func (t MessageTemplate) Validate() error {
	if t.Kind == TemplateSequence {
		if len(t.Sequence) == 0 {
			return fmt.Errorf("sequence template requires at least one step: %w", apperrors.ErrValidation)
		}
		for i, step := range t.Sequence {
			if step.Kind == TemplateSequence {
				return fmt.Errorf("sequence step %d cannot be a sequence: %w", i, apperrors.ErrValidation)
			}
			if step.DelaySeconds < 0 {
				return fmt.Errorf("sequence step %d has negative delay: %w", i, apperrors.ErrValidation)
			}
			if err := validateContent(step.Kind, step.Content); err != nil {
				return fmt.Errorf("sequence step %d: %w", i, err)
			}
		}
		return nil
	}
	return validateContent(t.Kind, t.Content)
}

func validateContent(kind TemplateKind, c MessageContent) error {
	switch kind {
	case TemplateText:
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("text template requires text: %w", apperrors.ErrValidation)
		}
		return nil
	case TemplateImage, TemplateImageCaption, TemplateVideo, TemplateVideoCaption,
		TemplateAudio, TemplateFile, TemplateFileCaption:
		if strings.TrimSpace(c.MediaURL) == "" {
			return fmt.Errorf("%s template requires mediaUrl: %w", kind, apperrors.ErrValidation)
		}
		if kind.hasCaption() && strings.TrimSpace(c.Caption) == "" {
			return fmt.Errorf("%s template requires caption: %w", kind, apperrors.ErrValidation)
		}
		return nil
	}
	return fmt.Errorf("unknown template kind %q: %w", kind, apperrors.ErrValidation)
}
