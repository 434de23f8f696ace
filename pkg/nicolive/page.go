package nicolive

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"

	log "github.com/sirupsen/logrus"

	"github.com/mujurin/ndgrclient-go/pkg/ndgrerr"
)

// ProgramStatus mirrors the bootstrap program.status enum (spec §3).
type ProgramStatus string

const (
	StatusReleased      ProgramStatus = "RELEASED"
	StatusBeforeRelease ProgramStatus = "BEFORE_RELEASE"
	StatusOnAir         ProgramStatus = "ON_AIR"
	StatusEnded         ProgramStatus = "ENDED"
)

// User is the optional viewer identity embedded in the bootstrap page.
type User struct {
	IsLoggedIn  bool   `json:"isLoggedIn"`
	ID          int64  `json:"id"`
	Nickname    string `json:"nickname"`
	AccountType string `json:"accountType"`
	IsBroadcaster bool `json:"isBroadcaster"`
	IsOperator    bool `json:"isOperator"`
}

// Supplier is the program's provider/broadcaster identity.
type Supplier struct {
	Name                string `json:"name"`
	ProgramProviderID    string `json:"programProviderId"`
}

// Program is the bootstrap program.* subtree.
type Program struct {
	NicoliveProgramID string        `json:"nicoliveProgramId"`
	Title             string        `json:"title"`
	BeginTime         int64         `json:"beginTime"`
	EndTime           int64         `json:"endTime"`
	Status            ProgramStatus `json:"status"`
	ProviderType      string        `json:"providerType"`
	Supplier          Supplier      `json:"supplier"`
}

// SocialGroup is the channel/community the program belongs to.
type SocialGroup struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CompanyName string `json:"companyName"`
}

// NicolivePageData is the opaque bootstrap record (spec §3): everything
// the core engine needs to open a watch-channel connection, plus enough
// program metadata for callers and the broadcaster-comment REST wrapper.
type NicolivePageData struct {
	WebSocketURL            string
	CSRFToken               string
	Program                 Program
	SocialGroup              SocialGroup
	User                     *User
	BroadcasterCommentToken string
	IsSupportable            bool
}

type embeddedData struct {
	Site struct {
		Relive struct {
			WebSocketURL string `json:"webSocketUrl"`
			CSRFToken    string `json:"csrfToken"`
		} `json:"relive"`
	} `json:"site"`
	Program     Program      `json:"program"`
	SocialGroup SocialGroup  `json:"socialGroup"`
	User        *User        `json:"user"`

	CreatorCreatorSupportSummary *struct {
		IsSupportable bool `json:"isSupportable"`
	} `json:"creatorCreatorSupportSummary"`
}

var embeddedDataPropsPattern = regexp.MustCompile(`(?s)<div id="embedded-data" data-props="([^"]*)"`)

const watchPageURLFormat = "https://live.nicovideo.jp/watch/%s"

// FetchPageData scrapes the bootstrap NicolivePageData out of the live
// watch page HTML for liveID (spec §6 Bootstrap). It is an external
// collaborator per spec §1 — the core engine only ever consumes the
// resulting struct.
func FetchPageData(ctx context.Context, httpClient *http.Client, liveID string) (*NicolivePageData, error) {
	url := fmt.Sprintf(watchPageURLFormat, liveID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("nicolive: building bootstrap request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &ndgrerr.NetworkError{Op: "fetch watch page", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ndgrerr.PageNotFoundError{LiveID: liveID, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ndgrerr.PageNotFoundError{LiveID: liveID, StatusCode: resp.StatusCode}
	}

	data, err := parseEmbeddedData(liveID, body)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"liveId": liveID,
		"status": data.Program.Status,
	}).Debug("nicolive: bootstrap page parsed")

	if data.WebSocketURL == "" {
		return nil, &ndgrerr.AccessDeniedError{LiveID: liveID}
	}

	return data, nil
}

func parseEmbeddedData(liveID string, body []byte) (*NicolivePageData, error) {
	m := embeddedDataPropsPattern.FindSubmatch(body)
	if m == nil {
		return nil, &ndgrerr.PageParseError{LiveID: liveID, Reason: "embedded-data element not found"}
	}

	raw := html.UnescapeString(string(m[1]))

	var parsed embeddedData
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &ndgrerr.PageParseError{LiveID: liveID, Reason: err.Error()}
	}

	if parsed.Program.NicoliveProgramID == "" {
		return nil, &ndgrerr.PageParseError{LiveID: liveID, Reason: "program fields missing"}
	}

	data := &NicolivePageData{
		WebSocketURL: parsed.Site.Relive.WebSocketURL,
		CSRFToken:    parsed.Site.Relive.CSRFToken,
		Program:      parsed.Program,
		SocialGroup:  parsed.SocialGroup,
		User:         parsed.User,
		// The broadcaster comment endpoint authorizes with the same
		// csrfToken the bootstrap page issues for the watch session;
		// niconico does not mint a separate token for it.
		BroadcasterCommentToken: parsed.Site.Relive.CSRFToken,
	}
	if parsed.CreatorCreatorSupportSummary != nil {
		data.IsSupportable = parsed.CreatorCreatorSupportSummary.IsSupportable
	}
	return data, nil
}
