// Package jobs fetches job postings matching a fixed search profile. The
// LinkedIn implementation queries the public guest job-search endpoint
// and parses its HTML result cards.
package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/careerdesk/counselor/internal/apperr"
	"github.com/careerdesk/counselor/internal/httpkit"
)

// DefaultBaseURL is LinkedIn's guest job-search endpoint.
const DefaultBaseURL = "https://www.linkedin.com/jobs-guest/jobs/api/seeMoreJobPostings/search"

// pageSize is the number of cards LinkedIn returns per page.
const pageSize = 25

// maxPageBytes bounds a single result page.
const maxPageBytes int64 = 2 * 1024 * 1024

// Posting is one job listing.
type Posting struct {
	Position    string `json:"position"`
	Company     string `json:"company"`
	CompanyLogo string `json:"companyLogo,omitempty"`
	Location    string `json:"location"`
	Date        string `json:"date,omitempty"`
	AgoTime     string `json:"agoTime,omitempty"`
	Salary      string `json:"salary,omitempty"`
	JobURL      string `json:"jobUrl"`
}

// Source produces postings for the configured profile.
type Source interface {
	Fetch(ctx context.Context) ([]Posting, error)
}

// Profile is the fixed query every fetch uses.
type Profile struct {
	Keyword         string
	Location        string
	PostedWithin    string // past_24h, past_week, past_month
	JobType         string // full_time, part_time, contract, temporary, volunteer, internship
	Remote          string // on_site, remote, hybrid
	MinSalary       int    // 40000, 60000, 80000, 100000, 120000
	ExperienceLevel string // internship, entry_level, associate, senior, director, executive
	Limit           int
}

// DefaultProfile is the search the counselor ships with.
func DefaultProfile() Profile {
	return Profile{
		Keyword:         "software engineer",
		Location:        "India",
		PostedWithin:    "past_week",
		JobType:         "full_time",
		Remote:          "remote",
		MinSalary:       100000,
		ExperienceLevel: "entry_level",
		Limit:           5,
	}
}

var (
	postedWithinParam = map[string]string{
		"past_24h":   "r86400",
		"past_week":  "r604800",
		"past_month": "r2592000",
	}
	jobTypeParam = map[string]string{
		"full_time":  "F",
		"part_time":  "P",
		"contract":   "C",
		"temporary":  "T",
		"volunteer":  "V",
		"internship": "I",
	}
	remoteParam = map[string]string{
		"on_site": "1",
		"remote":  "2",
		"hybrid":  "3",
	}
	salaryParam = map[int]string{
		40000:  "1",
		60000:  "2",
		80000:  "3",
		100000: "4",
		120000: "5",
	}
	experienceParam = map[string]string{
		"internship":  "1",
		"entry_level": "2",
		"associate":   "3",
		"senior":      "4",
		"director":    "5",
		"executive":   "6",
	}
)

// Query renders the profile as LinkedIn query parameters for the page
// starting at offset start. Unknown filter values are left out.
func (p Profile) Query(start int) url.Values {
	q := url.Values{}
	if p.Keyword != "" {
		q.Set("keywords", p.Keyword)
	}
	if p.Location != "" {
		q.Set("location", p.Location)
	}
	if v, ok := postedWithinParam[p.PostedWithin]; ok {
		q.Set("f_TPR", v)
	}
	if v, ok := jobTypeParam[p.JobType]; ok {
		q.Set("f_JT", v)
	}
	if v, ok := remoteParam[p.Remote]; ok {
		q.Set("f_WT", v)
	}
	if v, ok := salaryParam[p.MinSalary]; ok {
		q.Set("f_SB2", v)
	}
	if v, ok := experienceParam[p.ExperienceLevel]; ok {
		q.Set("f_E", v)
	}
	q.Set("start", strconv.Itoa(start))
	return q
}

// LinkedIn is a [Source] backed by LinkedIn's guest search.
type LinkedIn struct {
	baseURL string
	profile Profile
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a LinkedIn source.
type Option func(*LinkedIn)

// WithBaseURL overrides the search endpoint.
func WithBaseURL(u string) Option {
	return func(l *LinkedIn) {
		if u != "" {
			l.baseURL = u
		}
	}
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(l *LinkedIn) { l.client = c }
}

// WithRequestsPerMinute paces outbound page requests. Zero or less
// disables pacing.
func WithRequestsPerMinute(n int) Option {
	return func(l *LinkedIn) {
		if n <= 0 {
			l.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		l.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
	}
}

// NewLinkedIn creates a LinkedIn source for profile.
func NewLinkedIn(profile Profile, logger *slog.Logger, opts ...Option) *LinkedIn {
	if logger == nil {
		logger = slog.Default()
	}
	if profile.Limit <= 0 {
		profile.Limit = DefaultProfile().Limit
	}
	l := &LinkedIn{
		baseURL: DefaultBaseURL,
		profile: profile,
		client:  httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
		logger:  logger.With("component", "jobs", "source", "linkedin"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Fetch returns up to profile.Limit postings. Transport and status
// failures are reported as upstream errors.
func (l *LinkedIn) Fetch(ctx context.Context) ([]Posting, error) {
	start := time.Now()
	var out []Posting

	for offset := 0; len(out) < l.profile.Limit; offset += pageSize {
		page, err := l.fetchPage(ctx, offset)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		out = append(out, page...)
		if len(page) < pageSize {
			break
		}
	}
	if len(out) > l.profile.Limit {
		out = out[:l.profile.Limit]
	}

	l.logger.Debug("job search complete",
		"keyword", l.profile.Keyword,
		"location", l.profile.Location,
		"postings", len(out),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return out, nil
}

func (l *LinkedIn) fetchPage(ctx context.Context, offset int) ([]Posting, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("job search rate limit: %w", err)
	}

	reqURL := l.baseURL + "?" + l.profile.Query(offset).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrUpstream, err, "linkedin search")
	}
	defer resp.Body.Close()

	if err := httpkit.CheckStatus(resp); err != nil {
		return nil, apperr.Wrap(apperr.ErrUpstream, err, "linkedin search")
	}

	postings, err := parseCards(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrUpstream, err, "parse linkedin results")
	}
	return postings, nil
}

// Ping checks that the search endpoint answers. Client errors count as
// reachable; only transport failures and 5xx responses do not.
func (l *LinkedIn) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, l.baseURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.ErrUpstream, err, "linkedin ping")
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return apperr.E(apperr.ErrUpstream, "linkedin ping: status %d", resp.StatusCode)
	}
	return nil
}
