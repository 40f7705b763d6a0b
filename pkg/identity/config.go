package identity

import (
	"github.com/oddnetworks/oddworks/pkg/types"
)

var omittedConfigKeys = []string{"id", "type", "channel", "platform", "updatedAt", "secrets"}

// ComposeConfig merges platform over channel into a config entity with id
// "{channel}-{platform}". Identity keys and secrets of both are dropped. Either
// argument may be nil.
func ComposeConfig(channel, platform *types.Entity) *types.Entity {
	merged := make(map[string]any)
	for _, e := range []*types.Entity{channel, platform} {
		doc := e.AsMap()
		for _, k := range omittedConfigKeys {
			delete(doc, k)
		}
		mergeInto(merged, doc)
	}

	var channelID, platformID string
	if channel != nil {
		channelID = channel.ID
	}
	if platform != nil {
		platformID = platform.ID
	}

	merged["type"] = types.TypeConfig
	merged["id"] = channelID + "-" + platformID

	config, err := types.FromMap(merged)
	if err != nil {
		// merged only holds values decoded from entity JSON
		panic(err)
	}
	config.Channel = channelID
	if config.Fields == nil {
		config.Fields = make(map[string]any)
	}
	config.Fields["platform"] = platformID
	return config
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = mergeValue(dst[k], v)
	}
}

// mergeValue merges objects key by key and arrays index by index; any other
// source value replaces the destination.
func mergeValue(dst, src any) any {
	switch s := src.(type) {
	case map[string]any:
		d, ok := dst.(map[string]any)
		if !ok {
			d = make(map[string]any, len(s))
		}
		mergeInto(d, s)
		return d
	case []any:
		d, ok := dst.([]any)
		if !ok {
			d = nil
		}
		out := make([]any, max(len(d), len(s)))
		copy(out, d)
		for i, v := range s {
			out[i] = mergeValue(out[i], v)
		}
		return out
	default:
		return src
	}
}
