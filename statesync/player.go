package statesync

import (
	"encoding/json"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/dimapp/echolink"
)

var shuffleStates = map[string]string{
	"ENABLED":  echolink.ShuffleOn,
	"DISABLED": echolink.ShuffleOff,
	"HIDDEN":   echolink.ControlDisabled,
}

var repeatStates = map[string]string{
	"ENABLED":  echolink.RepeatPlaylist,
	"DISABLED": echolink.RepeatNone,
	"HIDDEN":   echolink.ControlDisabled,
}

// ParsePlayerInfo normalizes a vendor player-info document. The document may
// be the bare player object or wrapped in a "playerInfo" field.
func ParsePlayerInfo(serial string, raw json.RawMessage) (echolink.PlayerInfo, error) {
	if !gjson.ValidBytes(raw) {
		return echolink.PlayerInfo{}, echolink.Errorf(echolink.KindPlayback, "player info", "malformed player info for %s", serial)
	}
	doc := gjson.ParseBytes(raw)
	if p := doc.Get("playerInfo"); p.IsObject() {
		doc = p
	}

	info := echolink.PlayerInfo{
		Serial:  serial,
		MediaID: doc.Get("mediaId").String(),
		Playing: doc.Get("state").String() == "PLAYING",
		Shuffle: shuffleStates[doc.Get("transport.shuffle").String()],
		Repeat:  repeatStates[doc.Get("transport.repeat").String()],
		Track: echolink.Track{
			Title:   doc.Get("infoText.title").String(),
			Artist:  doc.Get("infoText.subText1").String(),
			Album:   doc.Get("infoText.subText2").String(),
			Artwork: doc.Get("mainArt.url").String(),
		},
	}
	if v := doc.Get("volume.volume"); v.Type == gjson.Number {
		level := int(v.Int())
		info.Volume = &level
	}
	info.GroupMembers = groupMembers(doc)
	return info, nil
}

func groupMembers(doc gjson.Result) []string {
	members := doc.Get("lemurVolume.memberVolume")
	if !members.IsObject() {
		return nil
	}
	var out []string
	members.ForEach(func(key, _ gjson.Result) bool {
		out = append(out, key.String())
		return true
	})
	sort.Strings(out)
	return out
}
