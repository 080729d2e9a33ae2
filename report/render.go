// Package report renders the canonical text form of a usage report and
// composes the notification contents that reference it.
package report

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/VertNet/usagestats/model"
)

const textTemplate = `Usage report
Monthly VertNet data use report for {{.Period.Year}}-{{printf "%02d" .Period.Month}}, resource {{.Dataset.CCode}}

Dataset: {{.Dataset.OrgName}} - {{.Dataset.CCode}}
Identifier: {{.Dataset.ID}}
Source: {{.Dataset.SourceURL}}
Reporting period: {{.Period.Year}}-{{printf "%02d" .Period.Month}}
Report generated on: {{.Report.Created.Format "2006-01-02"}}

SEARCHES

Number of search events: {{.Report.Searches.Events}}
Records returned by searches: {{.Report.Searches.Records}}

Searches by country:
{{range .SearchCountries}}  {{.QueryCountry}}: {{.Times}}
{{end}}
Searches by date:
{{range .SearchDates}}  {{.QueryDate}}: {{.Times}}
{{end}}
Search terms:
{{range .SearchTerms}}  {{.QueryTerms}} ({{.Times}} time/s): {{.Records}} records
{{end}}
DOWNLOADS

Number of download events: {{.Report.Downloads.Events}}
Records downloaded: {{.Report.Downloads.Records}}

Downloads by country:
{{range .DownloadCountries}}  {{.QueryCountry}}: {{.Times}}
{{end}}
Downloads by date:
{{range .DownloadDates}}  {{.QueryDate}}: {{.Times}}
{{end}}
Download terms:
{{range .DownloadTerms}}  {{.QueryTerms}} ({{.Times}} time/s): {{.Records}} records
{{end}}
For more information on the reporting system see
http://www.vertnet.org/resources/usagereportingguide.html
`

var reportTmpl = template.Must(template.New("report").Parse(textTemplate))

type templateData struct {
	Dataset *model.Dataset
	Report  *model.Report
	Period  *model.Period

	SearchCountries   []model.QueryCountry
	SearchDates       []model.QueryDate
	SearchTerms       []model.QueryTerms
	DownloadCountries []model.QueryCountry
	DownloadDates     []model.QueryDate
	DownloadTerms     []model.QueryTerms
}

// Render produces the canonical text document for a report. The second
// line doubles as the commit message when the document is published.
func Render(dataset *model.Dataset, rep *model.Report, period *model.Period) (string, error) {
	data := &templateData{
		Dataset:           dataset,
		Report:            rep,
		Period:            period,
		SearchCountries:   sortedCountries(rep.Searches.QueryCountries),
		SearchDates:       sortedDates(rep.Searches.QueryDates),
		SearchTerms:       sortedTerms(rep.Searches.QueryTerms),
		DownloadCountries: sortedCountries(rep.Downloads.QueryCountries),
		DownloadDates:     sortedDates(rep.Downloads.QueryDates),
		DownloadTerms:     sortedTerms(rep.Downloads.QueryTerms),
	}

	var b strings.Builder
	if err := reportTmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// CommitMessage extracts the one-line summary from rendered content.
func CommitMessage(content string) string {
	lines := strings.SplitN(content, "\n", 3)
	if len(lines) < 2 {
		return content
	}
	return lines[1]
}

// Path builds the repository path the rendered report is stored at.
func Path(dataset *model.Dataset, period string) string {
	name := strings.Join([]string{dataset.ICode, dataset.CCode, period[:4], period[4:]}, "-")
	return fmt.Sprintf("reports/%s.txt", name)
}

// IssueTitle composes the notification title for a published report.
func IssueTitle(period *model.Period, dataset *model.Dataset) string {
	return fmt.Sprintf("Monthly VertNet data use report for %d-%d, resource %s",
		period.Year, period.Month, dataset.CCode)
}

// IssueBody composes the notification body. The trailing report-id marker
// makes retried notifications identifiable on the host side.
func IssueBody(publicURL, gbifdatasetid, period string) string {
	link := fmt.Sprintf("%s/reports/%s/%s/", publicURL, gbifdatasetid, period)
	linkAll := fmt.Sprintf("%s/reports/%s/", publicURL, gbifdatasetid)

	return fmt.Sprintf(`Your monthly VertNet data use report is ready!
You can see the HTML rendered version of the reports with this link:

%s

Raw text and JSON-formatted versions of the report are also available for
download from this link. In addition, a copy of the text version has been
uploaded to your GitHub repository, under the "Reports" folder. Also, a full
list of all reports can be accessed here:

%s

You can find more information on the reporting system, along with an
explanation of each metric, here:

http://www.vertnet.org/resources/usagereportingguide.html

Please post any comments or questions to:
http://www.vertnet.org/feedback/contact.html

Thank you for being a part of VertNet.

<!-- report-id: %s -->
`, link, linkAll, model.ReportID(period, gbifdatasetid))
}

func sortedCountries(in []model.QueryCountry) []model.QueryCountry {
	out := append([]model.QueryCountry(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].QueryCountry < out[j].QueryCountry })
	return out
}

func sortedDates(in []model.QueryDate) []model.QueryDate {
	out := append([]model.QueryDate(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].QueryDate < out[j].QueryDate })
	return out
}

func sortedTerms(in []model.QueryTerms) []model.QueryTerms {
	out := append([]model.QueryTerms(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].QueryTerms < out[j].QueryTerms })
	return out
}
