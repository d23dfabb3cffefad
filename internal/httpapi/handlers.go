package httpapi

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/educpro/inbox"
	"github.com/educpro/inbox/directory"
	"github.com/educpro/inbox/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProfileStore reads and edits user profiles.
type ProfileStore interface {
	Get(ctx context.Context, id string) (directory.Profile, error)
	Update(ctx context.Context, id string, upd directory.ProfileUpdate) (directory.Profile, error)
}

// Handler serves the inbox API.
type Handler struct {
	svc      *inbox.Service
	sessions *Sessions
	profiles ProfileStore
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewHandler creates a handler. profiles and m may be nil.
func NewHandler(svc *inbox.Service, sessions *Sessions, profiles ProfileStore, m *metrics.Metrics, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, sessions: sessions, profiles: profiles, metrics: m, log: log}
}

// MessageList is the body of the message list responses.
type MessageList struct {
	State    string          `json:"state"`
	Unread   int             `json:"unread"`
	Messages []inbox.Message `json:"messages"`
}

// UploadView is one file outcome.
type UploadView struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

// SendView is the body of a send response.
type SendView struct {
	Message     inbox.Message `json:"message"`
	Attachments []UploadView  `json:"attachments"`
}

func uploadViews(results []inbox.UploadResult) []UploadView {
	views := make([]UploadView, len(results))
	for i, r := range results {
		views[i] = UploadView{Index: r.Index, Name: r.Name, URL: r.URL}
		if r.Err != nil {
			views[i].Error = r.Err.Error()
		}
	}
	return views
}

// sync returns the caller's Sync. The caller must call release when done.
func (h *Handler) sync(c *gin.Context) (*inbox.Sync, func(), bool) {
	s, release, err := h.sessions.Acquire(c.Request.Context(), sessionFrom(c))
	if err != nil {
		respondError(c, h.log, err)
		return nil, nil, false
	}
	return s, release, true
}

func listOf(s *inbox.Sync, msgs []inbox.Message) MessageList {
	if msgs == nil {
		msgs = []inbox.Message{}
	}
	return MessageList{State: s.State().String(), Unread: s.UnreadCount(), Messages: msgs}
}

// ListMessages returns the user's view, filtered by the q parameter.
func (h *Handler) ListMessages(c *gin.Context) {
	s, release, ok := h.sync(c)
	if !ok {
		return
	}
	defer release()
	Success(c, listOf(s, s.Search(c.Query("q"))))
}

// GetMessage returns one message of the view.
func (h *Handler) GetMessage(c *gin.Context) {
	s, release, ok := h.sync(c)
	if !ok {
		return
	}
	defer release()
	msg, found := s.Get(c.Param("id"))
	if !found {
		respondError(c, h.log, inbox.ErrNotFound)
		return
	}
	Success(c, msg)
}

// Refresh refetches the view from the store.
func (h *Handler) Refresh(c *gin.Context) {
	s, release, ok := h.sync(c)
	if !ok {
		return
	}
	defer release()
	msgs, err := s.Fetch(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, listOf(s, msgs))
}

type sendBody struct {
	RecipientID string `json:"recipient_id" form:"recipient_id"`
	Subject     string `json:"subject" form:"subject"`
	Content     string `json:"content" form:"content"`
}

// SendMessage sends a message. Multipart requests may carry attachments
// in the "attachments" field.
func (h *Handler) SendMessage(c *gin.Context) {
	var body sendBody
	if err := c.ShouldBind(&body); err != nil {
		Fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	var headers []*multipart.FileHeader
	if form, err := c.MultipartForm(); err == nil {
		headers = form.File["attachments"]
	}
	files, closeFiles, err := openFiles(headers)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	defer closeFiles()
	h.observeUploads("attachment", headers)

	s, release, ok := h.sync(c)
	if !ok {
		return
	}
	defer release()
	res, err := s.Send(c.Request.Context(), inbox.SendRequest{
		RecipientID: body.RecipientID,
		Subject:     body.Subject,
		Content:     body.Content,
		Attachments: files,
	})
	if err != nil && (res == nil || res.Message.ID == "") {
		respondError(c, h.log, err)
		return
	}
	if err != nil {
		// Inserted; only event publishing failed.
		h.log.Warn("send completed with error", zap.Error(err))
	}
	Created(c, SendView{Message: res.Message, Attachments: uploadViews(res.Attachments)})
}

// MarkRead marks a message as read.
func (h *Handler) MarkRead(c *gin.Context) {
	s, release, ok := h.sync(c)
	if !ok {
		return
	}
	defer release()
	if err := s.MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	NoContent(c)
}

// DeleteMessage deletes a message.
func (h *Handler) DeleteMessage(c *gin.Context) {
	s, release, ok := h.sync(c)
	if !ok {
		return
	}
	defer release()
	if err := s.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	NoContent(c)
}

// Upload stores the "files" of a multipart request in the attachments
// bucket under <user>/<batch>/ and returns one result per file.
func (h *Handler) Upload(c *gin.Context) {
	u := h.svc.AttachmentUploader()
	if u == nil {
		respondError(c, h.log, inbox.ErrUploaderNotConfigured)
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		respondError(c, h.log, errNoFiles)
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		respondError(c, h.log, errNoFiles)
		return
	}
	files, closeFiles, err := openFiles(headers)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	defer closeFiles()
	h.observeUploads("attachment", headers)

	prefix := sessionFrom(c).UserID + "/" + uuid.NewString()
	results := u.UploadMultiple(c.Request.Context(), files, prefix)
	Success(c, uploadViews(results))
}

// DeleteUpload removes a file the user uploaded.
func (h *Handler) DeleteUpload(c *gin.Context) {
	u := h.svc.AttachmentUploader()
	if u == nil {
		respondError(c, h.log, inbox.ErrUploaderNotConfigured)
		return
	}
	name := strings.TrimPrefix(c.Param("name"), "/")
	if !strings.HasPrefix(name, sessionFrom(c).UserID+"/") || strings.Contains(name, "..") {
		respondError(c, h.log, errForeignUpload)
		return
	}
	if err := u.Delete(c.Request.Context(), name); err != nil {
		respondError(c, h.log, err)
		return
	}
	NoContent(c)
}

// GetProfile returns the user's profile.
func (h *Handler) GetProfile(c *gin.Context) {
	if h.profiles == nil {
		respondError(c, h.log, errProfilesDisabled)
		return
	}
	prof, err := h.profiles.Get(c.Request.Context(), sessionFrom(c).UserID)
	if err != nil {
		respondError(c, h.log, profileError(err))
		return
	}
	Success(c, prof)
}

// UpdateProfile applies a partial profile update.
func (h *Handler) UpdateProfile(c *gin.Context) {
	if h.profiles == nil {
		respondError(c, h.log, errProfilesDisabled)
		return
	}
	var upd directory.ProfileUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		Fail(c, http.StatusBadRequest, "invalid profile update")
		return
	}
	if upd.FullName != nil && strings.TrimSpace(*upd.FullName) == "" {
		Fail(c, http.StatusBadRequest, "full_name must not be empty")
		return
	}
	prof, err := h.profiles.Update(c.Request.Context(), sessionFrom(c).UserID, upd)
	if err != nil {
		respondError(c, h.log, profileError(err))
		return
	}
	Success(c, prof)
}

// UploadAvatar stores the "avatar" file as the user's profile picture.
func (h *Handler) UploadAvatar(c *gin.Context) {
	header, err := c.FormFile("avatar")
	if err != nil {
		respondError(c, h.log, errNoFiles)
		return
	}
	files, closeFiles, err := openFiles([]*multipart.FileHeader{header})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	defer closeFiles()
	h.observeUploads("avatar", []*multipart.FileHeader{header})

	url, err := h.svc.UploadAvatar(c.Request.Context(), sessionFrom(c), files[0])
	if err != nil && url == "" {
		respondError(c, h.log, err)
		return
	}
	if err != nil {
		h.log.Warn("avatar stored but profile update failed", zap.Error(err))
	}
	Created(c, gin.H{"url": url})
}

// profileError maps directory not-found errors onto the inbox sentinel.
func profileError(err error) error {
	if inbox.IsNotFound(err) && !errors.Is(err, inbox.ErrNotFound) {
		return inbox.ErrNotFound
	}
	return err
}

func (h *Handler) observeUploads(kind string, headers []*multipart.FileHeader) {
	if h.metrics == nil {
		return
	}
	for _, fh := range headers {
		h.metrics.UploadBytes.WithLabelValues(kind).Observe(float64(fh.Size))
	}
}

// openFiles opens multipart parts as upload candidates. The returned func
// closes every opened part.
func openFiles(headers []*multipart.FileHeader) ([]inbox.File, func(), error) {
	files := make([]inbox.File, 0, len(headers))
	opened := make([]multipart.File, 0, len(headers))
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		opened = append(opened, f)
		files = append(files, inbox.File{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Body:        f,
		})
	}
	return files, closeAll, nil
}
