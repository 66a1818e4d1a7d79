package dars

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DARS queues report generation as a job; list.html shows every queued
// job with a read link once it finishes.
type JobStatus int

const (
	// no status column resolved, the job is assumed done since a read
	// link exists for it
	JobStatusUnknown JobStatus = iota
	JobStatusProcessing
	JobStatusComplete
	JobStatusFailed
)

func (s JobStatus) Ready() bool {
	return s == JobStatusComplete || s == JobStatusUnknown
}

type Job struct {
	Id     string
	Status JobStatus
	// raw href the id came from, kept for debugging
	RawHref string
}

var ErrNoJob = fmt.Errorf("no audit job found on the list page")

var (
	jobIdPattern    = regexp.MustCompile(`[?&]id=([^&\s"']+)`)
	jobQueuePattern = regexp.MustCompile(`JobQueueRun[!%21]+[A-Za-z0-9_\-]+`)
)

// parseNewestJob discovers the most recent audit job on list.html. The
// page's markup is inconsistent across deployments, so extraction falls
// through several strategies: table rows with read links, any read
// link, JobQueueRun ids inside hrefs, and finally the raw page text.
func parseNewestJob(html string) (Job, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Job{}, err
	}

	var jobs []Job
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		link := row.Find(`a[href*="read.html"]`).First()
		href, exists := link.Attr("href")
		if !exists {
			return
		}
		id := extractJobId(href)
		if id == "" {
			return
		}
		jobs = append(jobs, Job{
			Id:      id,
			Status:  statusFromRow(row),
			RawHref: href,
		})
	})

	if len(jobs) == 0 {
		doc.Find(`a[href*="read.html"]`).Each(func(_ int, link *goquery.Selection) {
			href, exists := link.Attr("href")
			if !exists {
				return
			}
			id := extractJobId(href)
			if id == "" {
				return
			}
			jobs = append(jobs, Job{Id: id, RawHref: href})
		})
	}

	if len(jobs) == 0 {
		doc.Find("a").Each(func(_ int, link *goquery.Selection) {
			href, exists := link.Attr("href")
			if !exists {
				return
			}
			id := jobQueuePattern.FindString(href)
			if id == "" {
				return
			}
			jobs = append(jobs, Job{Id: id, RawHref: href})
		})
	}

	if len(jobs) == 0 {
		id := jobQueuePattern.FindString(html)
		if id != "" {
			jobs = append(jobs, Job{Id: id})
		}
	}

	if len(jobs) == 0 {
		return Job{}, ErrNoJob
	}
	// newest job renders first
	return jobs[0], nil
}

func extractJobId(href string) string {
	groups := jobIdPattern.FindStringSubmatch(href)
	if len(groups) < 2 {
		return ""
	}
	return groups[1]
}

func statusFromRow(row *goquery.Selection) JobStatus {
	text := strings.ToLower(row.Text())
	switch {
	case strings.Contains(text, "error") || strings.Contains(text, "failed"):
		return JobStatusFailed
	case strings.Contains(text, "running") || strings.Contains(text, "processing") ||
		strings.Contains(text, "in progress"):
		return JobStatusProcessing
	case strings.Contains(text, "complete") || strings.Contains(text, "done"):
		return JobStatusComplete
	}
	return JobStatusUnknown
}

func pageIndicatesProcessing(html string) bool {
	text := strings.ToLower(html)
	return strings.Contains(text, "processing") || strings.Contains(text, "in progress")
}
