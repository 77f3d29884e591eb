package models

// Channel identifies one of the two notification streams.
type Channel string

const (
	ChannelQualified    Channel = "qualified"
	ChannelDisqualified Channel = "disqualified"
)

// Channels lists every channel in dispatch order.
var Channels = []Channel{ChannelQualified, ChannelDisqualified}

// Verdict is the outcome of classifying an enriched record. Reasons is only
// populated for disqualified records.
type Verdict struct {
	Qualified bool
	Reasons   []string
}

// Channel returns the notification channel the verdict belongs to.
func (v Verdict) Channel() Channel {
	if v.Qualified {
		return ChannelQualified
	}
	return ChannelDisqualified
}
