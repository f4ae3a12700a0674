package v1

import (
	"fmt"
	"strings"
)

const DefaultImageTag = "latest"

// ImageRef is a parsed container image reference. Repo may include a
// registry host; Tag is never empty after parsing.
type ImageRef struct {
	Repo string
	Tag  string
}

// ParseImageRef splits an image name of the form "name" or "name:tag" into
// its repo and tag, defaulting the tag to latest. A colon that belongs to a
// registry host port (before the last path separator) is not a tag
// separator.
func ParseImageRef(s string) (ImageRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ImageRef{}, fmt.Errorf("empty image name")
	}
	if strings.ContainsAny(s, " \t\n") {
		return ImageRef{}, fmt.Errorf("image name %q contains whitespace", s)
	}

	repo, tag := s, DefaultImageTag
	if idx := strings.LastIndex(s, ":"); idx >= 0 && !strings.Contains(s[idx:], "/") {
		repo, tag = s[:idx], s[idx+1:]
	}
	if repo == "" {
		return ImageRef{}, fmt.Errorf("image name %q has no repo", s)
	}
	if tag == "" {
		return ImageRef{}, fmt.Errorf("image name %q has an empty tag", s)
	}
	return ImageRef{Repo: repo, Tag: tag}, nil
}

func (r ImageRef) String() string {
	return r.Repo + ":" + r.Tag
}

func (r ImageRef) WithTag(tag string) ImageRef {
	return ImageRef{Repo: r.Repo, Tag: tag}
}
