package pipeline

import "strings"

// KnownDistracting lists streaming and short-video sites that are soft-blocked
// without asking the remote classifier.
var KnownDistracting = []string{
	"netflix.com",
	"hulu.com",
	"disneyplus.com",
	"primevideo.com",
	"max.com",
	"hbomax.com",
	"paramountplus.com",
	"peacocktv.com",
	"tubitv.com",
	"pluto.tv",
	"crunchyroll.com",
	"viki.com",
	"iq.com",
	"iqiyi.com",
	"bilibili.com",
	"youtube.com/shorts",
}

// isKnownDistracting matches entries as substrings of the domain, so
// subdomains are covered.
func isKnownDistracting(domain string) bool {
	for _, d := range KnownDistracting {
		if strings.Contains(domain, d) {
			return true
		}
	}
	return false
}
