package export

import (
	"sort"
	"time"

	"assura/api/internal/store"
)

// Service renders assessment reports to HTML and PDF
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// BuildTemplateData flattens a document and its content into report fields
func BuildTemplateData(doc store.Document, modules []store.ModuleInstance, actions []store.Action) TemplateData {
	data := TemplateData{
		Title:         doc.Title,
		DocType:       doc.DocType,
		SiteName:      doc.SiteName,
		SiteAddress:   doc.SiteAddress,
		VersionNumber: doc.VersionNumber,
		IssueStatus:   doc.IssueStatus,
		AssessorName:  doc.AssessorName,
		Standards:     doc.Standards,
		Jurisdiction:  doc.Jurisdiction,
		ScopeNotes:    doc.ScopeNotes,
		GeneratedAt:   time.Now(),
	}

	sorted := make([]store.ModuleInstance, len(modules))
	copy(sorted, modules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ModuleKey < sorted[j].ModuleKey })
	for _, m := range sorted {
		data.Modules = append(data.Modules, TemplateModule{
			Key:       m.ModuleKey,
			Outcome:   m.Outcome,
			Notes:     m.AssessorNotes,
			Completed: m.CompletedAt != nil,
		})
	}

	for _, a := range actions {
		if a.Deleted {
			continue
		}
		row := TemplateAction{
			Title:        a.Title,
			Detail:       a.Detail,
			Status:       a.Status,
			PriorityBand: a.PriorityBand,
		}
		if a.TargetDate != nil {
			row.TargetDate = a.TargetDate.Format("2 Jan 2006")
		}
		if a.ModuleInstanceID != nil {
			for _, m := range modules {
				if m.ID == *a.ModuleInstanceID {
					row.ModuleKey = m.ModuleKey
					break
				}
			}
		} else if a.OrphanedModuleKey != "" {
			row.ModuleKey = a.OrphanedModuleKey
		}
		data.Actions = append(data.Actions, row)
	}

	return data
}

// ExportPDF renders the assessment report as a PDF via headless Chrome
func (s *Service) ExportPDF(doc store.Document, modules []store.ModuleInstance, actions []store.Action) (*Result, error) {
	html, err := RenderReportHTML(BuildTemplateData(doc, modules, actions))
	if err != nil {
		return nil, err
	}
	return renderPDF(html, doc.Title)
}

// ExportHTML renders the report markup without invoking Chrome
func (s *Service) ExportHTML(doc store.Document, modules []store.ModuleInstance, actions []store.Action) (*Result, error) {
	html, err := RenderReportHTML(BuildTemplateData(doc, modules, actions))
	if err != nil {
		return nil, err
	}
	return &Result{
		Data:     []byte(html),
		Filename: sanitizeFilename(doc.Title) + ".html",
		MimeType: "text/html; charset=utf-8",
	}, nil
}
