package classifier

// Field is a column the Schema Scout proposes for a domain table.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// domainProfile collects the built-in signals for one library domain.
// Profiles are consulted only after learned rules, and each profile
// contributes at most one signal per kind: filename keyword, extension,
// content keyword, size.
type domainProfile struct {
	name         string
	targetFolder string
	keywords     []string // matched against the lowercased base name
	extensions   []string // lowercased, with leading dot
	contentWords []string // matched against the lowercased content sample
	minBytes     int64    // >0 enables the size signal
	fields       []Field
}

// builtinProfiles is ordered alphabetically. Score ties keep the earlier
// entry so repeated runs of the same input agree.
var builtinProfiles = []domainProfile{
	{
		name:         "archives",
		targetFolder: "archives",
		keywords:     []string{"backup", "dump", "export", "archive", "snapshot"},
		extensions:   []string{".zip", ".tar", ".gz", ".tgz", ".7z", ".rar", ".iso", ".img"},
		minBytes:     10 << 20,
		fields: []Field{
			{Name: "archive_format", Type: "text"},
			{Name: "entry_count", Type: "integer"},
			{Name: "original_bytes", Type: "integer"},
		},
	},
	{
		name:         "books",
		targetFolder: "books",
		keywords:     []string{"book", "novel", "ebook", "isbn"},
		extensions:   []string{".pdf", ".epub", ".mobi", ".djvu", ".azw3"},
		contentWords: []string{"isbn", "table of contents", "preface", "chapter"},
		minBytes:     1 << 20,
		fields: []Field{
			{Name: "title", Type: "text"},
			{Name: "author", Type: "text"},
			{Name: "isbn", Type: "text"},
			{Name: "published_year", Type: "integer"},
			{Name: "page_count", Type: "integer"},
		},
	},
	{
		name:         "code",
		targetFolder: "code",
		keywords:     []string{"snippet", "script", "patch", "src"},
		extensions:   []string{".go", ".py", ".js", ".ts", ".rs", ".java", ".c", ".cpp", ".sh", ".sql", ".diff", ".patch"},
		contentWords: []string{"func ", "import ", "def ", "class ", "#include"},
		fields: []Field{
			{Name: "language", Type: "text"},
			{Name: "line_count", Type: "integer"},
			{Name: "entrypoint", Type: "text"},
		},
	},
	{
		name:         "finance",
		targetFolder: "finance",
		keywords:     []string{"invoice", "receipt", "statement", "tax", "payroll", "budget"},
		extensions:   []string{".pdf", ".csv", ".xlsx", ".ofx", ".qif"},
		contentWords: []string{"invoice", "amount due", "subtotal", "iban", "vat"},
		fields: []Field{
			{Name: "vendor", Type: "text"},
			{Name: "amount", Type: "real"},
			{Name: "currency", Type: "text"},
			{Name: "issued_on", Type: "date"},
			{Name: "category", Type: "text"},
		},
	},
	{
		name:         "knowledge",
		targetFolder: "knowledge",
		keywords:     []string{"notes", "article", "paper", "guide", "howto", "cheatsheet"},
		extensions:   []string{".md", ".txt", ".org", ".rst"},
		contentWords: []string{"abstract", "references", "summary", "tl;dr"},
		fields: []Field{
			{Name: "topic", Type: "text"},
			{Name: "source_url", Type: "text"},
			{Name: "summary", Type: "text"},
		},
	},
	{
		name:         "legal",
		targetFolder: "legal",
		keywords:     []string{"contract", "agreement", "nda", "lease", "terms", "policy"},
		extensions:   []string{".pdf", ".docx", ".doc"},
		contentWords: []string{"hereinafter", "whereas", "jurisdiction", "party of the"},
		fields: []Field{
			{Name: "counterparty", Type: "text"},
			{Name: "agreement_kind", Type: "text"},
			{Name: "effective_date", Type: "date"},
			{Name: "expires_on", Type: "date"},
		},
	},
	{
		name:         "media",
		targetFolder: "media",
		keywords:     []string{"photo", "screenshot", "scan", "recording", "img"},
		extensions:   []string{".jpg", ".jpeg", ".png", ".gif", ".heic", ".mp4", ".mov", ".mp3", ".wav", ".flac"},
		minBytes:     5 << 20,
		fields: []Field{
			{Name: "width", Type: "integer"},
			{Name: "height", Type: "integer"},
			{Name: "duration_seconds", Type: "real"},
			{Name: "taken_at", Type: "datetime"},
		},
	},
	{
		name:         "medical",
		targetFolder: "medical",
		keywords:     []string{"prescription", "lab", "diagnosis", "medical", "vaccination", "clinic"},
		extensions:   []string{".pdf"},
		contentWords: []string{"patient", "dosage", "physician", "diagnosis"},
		fields: []Field{
			{Name: "provider", Type: "text"},
			{Name: "visit_date", Type: "date"},
			{Name: "category", Type: "text"},
		},
	},
	{
		name:         "projects",
		targetFolder: "projects",
		keywords:     []string{"proposal", "roadmap", "sprint", "design", "retro", "spec"},
		extensions:   []string{".pptx", ".key"},
		contentWords: []string{"milestone", "deliverable", "stakeholder"},
		fields: []Field{
			{Name: "project", Type: "text"},
			{Name: "milestone", Type: "text"},
			{Name: "due_date", Type: "date"},
			{Name: "owner", Type: "text"},
		},
	},
}

// Domains returns the canonical built-in domain names, alphabetical.
func Domains() []string {
	out := make([]string, 0, len(builtinProfiles))
	for _, p := range builtinProfiles {
		out = append(out, p.name)
	}
	return out
}

// KnownDomain reports whether name is a built-in domain (or the unsorted
// fallback). Learned rules may still introduce domains outside this set.
func KnownDomain(name string) bool {
	if name == UnsortedDomain {
		return true
	}
	for _, p := range builtinProfiles {
		if p.name == name {
			return true
		}
	}
	return false
}

// FieldsForDomain returns the proposed table columns for a built-in domain,
// or nil for unknown domains.
func FieldsForDomain(domain string) []Field {
	for _, p := range builtinProfiles {
		if p.name == domain {
			return append([]Field(nil), p.fields...)
		}
	}
	return nil
}

// TargetFolderForDomain returns the default library subfolder for a domain.
// Unknown domains file under their own name.
func TargetFolderForDomain(domain string) string {
	for _, p := range builtinProfiles {
		if p.name == domain {
			return p.targetFolder
		}
	}
	if domain == "" {
		return UnsortedDomain
	}
	return domain
}
