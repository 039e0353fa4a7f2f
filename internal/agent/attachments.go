package agent

import (
	"encoding/base64"
	"strings"

	"github.com/stakpak-dev/runtime/pkg/models"
)

// artifactsToAttachments converts tool-produced artifacts into message
// attachments. Artifacts without a URL are inlined as data URLs so
// channels can deliver them without a separate store.
func artifactsToAttachments(artifacts []Artifact) []models.Attachment {
	if len(artifacts) == 0 {
		return nil
	}
	out := make([]models.Attachment, 0, len(artifacts))
	for _, artifact := range artifacts {
		attachment := models.Attachment{
			ID:       artifact.ID,
			Type:     attachmentType(artifact),
			Filename: artifact.Filename,
			MimeType: artifact.MimeType,
			Size:     int64(len(artifact.Data)),
			URL:      artifact.URL,
		}
		if attachment.URL == "" && len(artifact.Data) > 0 && artifact.MimeType != "" {
			attachment.URL = "data:" + artifact.MimeType + ";base64," +
				base64.StdEncoding.EncodeToString(artifact.Data)
		}
		out = append(out, attachment)
	}
	return out
}

func attachmentType(artifact Artifact) string {
	switch artifact.Type {
	case "screenshot", "image":
		return "image"
	case "recording", "video":
		return "video"
	case "audio":
		return "audio"
	}
	for _, kind := range []string{"image", "video", "audio"} {
		if strings.HasPrefix(artifact.MimeType, kind+"/") {
			return kind
		}
	}
	return "file"
}
