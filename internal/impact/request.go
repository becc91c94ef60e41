package impact

import (
	"github.com/tOgg1/changegate/internal/configdoc"
	"github.com/tOgg1/changegate/internal/models"
)

// Request is the input to Analyze. Old is nil when the file is being created.
type Request struct {
	DeviceID   string
	FilePath   string
	ConfigType models.ConfigType

	Old *configdoc.Document
	New *configdoc.Document

	// Raw contents feed the line statistics. They are optional.
	OldContent string
	NewContent string
}

// NewRequest parses both sides of a change. A nil oldContent marks a new file.
func NewRequest(deviceID, filePath string, configType models.ConfigType, oldContent *string, newContent string) Request {
	req := Request{
		DeviceID:   deviceID,
		FilePath:   filePath,
		ConfigType: configType,
		New:        configdoc.Parse(configType, newContent),
		NewContent: newContent,
	}
	req.ConfigType = req.New.Type
	if oldContent != nil {
		req.Old = configdoc.Parse(configType, *oldContent)
		req.OldContent = *oldContent
	}
	return req
}

func (r Request) cacheKey() string {
	oldHash := "none"
	if r.Old != nil {
		oldHash = r.Old.Hash()
	}
	newHash := "none"
	if r.New != nil {
		newHash = r.New.Hash()
	}
	return string(r.ConfigType) + "|" + r.FilePath + "|" + oldHash + "|" + newHash
}
