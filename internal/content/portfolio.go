// Package content exposes the read-only site content: the portfolio record and the
// client route table.
package content

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
)

//go:embed portfolio.json
var portfolioJSON []byte

// ProjectCategory classifies a portfolio project.
type ProjectCategory string

const (
	CategoryWeb     ProjectCategory = "web"
	CategoryAPI     ProjectCategory = "api"
	CategoryMobile  ProjectCategory = "mobile"
	CategoryDesktop ProjectCategory = "desktop"
)

type Personal struct {
	Name        string `json:"name"`
	Company     string `json:"company"`
	Title       string `json:"title"`
	Subtitle    string `json:"subtitle"`
	Description string `json:"description"`
	Avatar      string `json:"avatar"`
	Resume      string `json:"resume"`
	Location    string `json:"location"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	LinkedIn    string `json:"linkedin"`
	GitHub      string `json:"github"`
	Website     string `json:"website,omitempty"`
}

type Skills struct {
	Technical  []string `json:"technical"`
	Frameworks []string `json:"frameworks"`
	Databases  []string `json:"databases"`
	Tools      []string `json:"tools"`
	Languages  []string `json:"languages"`
}

type Experience struct {
	ID           string   `json:"id"`
	Company      string   `json:"company"`
	Position     string   `json:"position"`
	StartDate    string   `json:"startDate"`
	EndDate      string   `json:"endDate,omitempty"`
	Location     string   `json:"location"`
	Description  string   `json:"description"`
	Technologies []string `json:"technologies"`
	Achievements []string `json:"achievements"`
}

type Education struct {
	ID          string `json:"id"`
	Institution string `json:"institution"`
	Degree      string `json:"degree"`
	Field       string `json:"field"`
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate"`
	Location    string `json:"location"`
	Description string `json:"description,omitempty"`
}

type Project struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Image        string          `json:"image"`
	Technologies []string        `json:"technologies"`
	GitHubURL    string          `json:"githubUrl,omitempty"`
	DemoURL      string          `json:"demoUrl,omitempty"`
	Category     ProjectCategory `json:"category"`
	Featured     bool            `json:"featured"`
}

type Service struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Icon          string   `json:"icon"`
	Features      []string `json:"features"`
	StartingPrice string   `json:"startingPrice,omitempty"`
}

type Testimonial struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position string `json:"position"`
	Company  string `json:"company"`
	Message  string `json:"message"`
	Rating   int    `json:"rating"`
	Avatar   string `json:"avatar,omitempty"`
}

type BlogPost struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Excerpt     string   `json:"excerpt"`
	Content     string   `json:"content"`
	PublishDate string   `json:"publishDate"`
	ReadTime    int      `json:"readTime"`
	Tags        []string `json:"tags"`
	Featured    bool     `json:"featured"`
}

// Portfolio is the full static content record consumed by the presentational pages.
type Portfolio struct {
	Personal     Personal      `json:"personal"`
	Skills       Skills        `json:"skills"`
	Experiences  []Experience  `json:"experiences"`
	Education    []Education   `json:"education"`
	Projects     []Project     `json:"projects"`
	Services     []Service     `json:"services"`
	Testimonials []Testimonial `json:"testimonials"`
	Blog         []BlogPost    `json:"blog"`
}

// LoadPortfolio decodes the embedded portfolio record.
func LoadPortfolio() (*Portfolio, error) {
	var p Portfolio
	if err := json.Unmarshal(portfolioJSON, &p); err != nil {
		slog.Error("content.LoadPortfolio: failed to decode embedded portfolio", "error", err)
		return nil, fmt.Errorf("failed to decode portfolio: %w", err)
	}
	slog.Debug("content.LoadPortfolio: portfolio loaded", "projects", len(p.Projects), "posts", len(p.Blog))
	return &p, nil
}

// ProjectFilter narrows a project listing. Zero values match everything.
type ProjectFilter struct {
	Category     ProjectCategory
	FeaturedOnly bool
}

// FilterProjects returns the projects matching f, preserving their order.
func (p *Portfolio) FilterProjects(f ProjectFilter) []Project {
	out := make([]Project, 0, len(p.Projects))
	for _, proj := range p.Projects {
		if f.Category != "" && proj.Category != f.Category {
			continue
		}
		if f.FeaturedOnly && !proj.Featured {
			continue
		}
		out = append(out, proj)
	}
	return out
}

// RecentPosts returns blog posts newest first, optionally only featured ones.
func (p *Portfolio) RecentPosts(featuredOnly bool) []BlogPost {
	out := make([]BlogPost, 0, len(p.Blog))
	for _, post := range p.Blog {
		if featuredOnly && !post.Featured {
			continue
		}
		out = append(out, post)
	}
	// publishDate is ISO formatted so lexical order is chronological
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PublishDate > out[j].PublishDate
	})
	return out
}
