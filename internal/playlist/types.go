package playlist

// Track is one playable entry. Index is the 1-based position in the owning
// playlist and is reassigned on every structural mutation.
type Track struct {
	ID          string
	Title       string
	Uploader    string
	UploaderURL string
	Duration    int // seconds
	Thumbnail   string
	SourceURL   string
	AssetPath   string // empty until the asset is materialized
	Index       int
}

func (t Track) Resolved() bool { return t.AssetPath != "" }

type Page struct {
	Items       []Track
	CurrentPage int
	TotalPages  int
	TotalCount  int
}
