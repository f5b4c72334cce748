package scrape

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"deskagent/internal/storage"
)

// extractText pulls the readable article content and renders it as
// markdown, falling back to the plain text content when conversion
// fails.
func extractText(body []byte, pageURL *url.URL) (string, error) {
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return "", fmt.Errorf("readability: %w", err)
	}

	converter := md.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(article.Content)
	if err != nil {
		return strings.TrimSpace(article.TextContent), nil
	}
	return strings.TrimSpace(markdown), nil
}

func extractLinksAndTables(body []byte, pageURL *url.URL) ([]storage.Link, []storage.Table, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}

	links := make([]storage.Link, 0)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		if ref, err := url.Parse(href); err == nil {
			href = pageURL.ResolveReference(ref).String()
		}
		links = append(links, storage.Link{
			Text: strings.TrimSpace(s.Text()),
			Href: href,
		})
	})

	tables := make([]storage.Table, 0)
	doc.Find("table").Each(func(_ int, t *goquery.Selection) {
		table := parseTable(t)
		if len(table) > 0 {
			tables = append(tables, table)
		}
	})

	return links, tables, nil
}

// parseTable keys each body row by the header row's cell text; cells
// without a header get positional col<N> keys.
func parseTable(t *goquery.Selection) storage.Table {
	rows := t.Find("tr")
	if rows.Length() < 2 {
		return nil
	}

	headers := []string{}
	rows.First().Find("th, td").Each(func(i int, cell *goquery.Selection) {
		h := strings.TrimSpace(cell.Text())
		if h == "" {
			h = fmt.Sprintf("col%d", i)
		}
		headers = append(headers, h)
	})
	if len(headers) == 0 {
		return nil
	}

	table := storage.Table{}
	rows.Slice(1, rows.Length()).Each(func(_ int, row *goquery.Selection) {
		entry := map[string]string{}
		row.Find("th, td").Each(func(i int, cell *goquery.Selection) {
			key := fmt.Sprintf("col%d", i)
			if i < len(headers) {
				key = headers[i]
			}
			entry[key] = strings.TrimSpace(cell.Text())
		})
		if len(entry) > 0 {
			table = append(table, entry)
		}
	})
	return table
}
