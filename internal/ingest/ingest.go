// Package ingest is the HTTP receiver that provisions submitter folders,
// stores uploaded recordings with their metadata and records mailing-list
// signups. Everything it writes is later picked up by the batch worker.
package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"voice-batch-go/internal/logger"
	"voice-batch-go/internal/mailinglist"
	"voice-batch-go/internal/sanitize"
	"voice-batch-go/internal/store"
	"voice-batch-go/internal/types"
)

const (
	LivenessText = "Script de réception actif. Prêt à recevoir des requêtes POST."

	rawMimeMaxLen = 64
	stampLayout   = "20060102_150405"
	isoMillis     = "2006-01-02T15:04:05.000Z"
)

// Signups receives mailing-list rows.
type Signups interface {
	Append(ctx context.Context, s mailinglist.Signup) error
}

type Options struct {
	Store          store.Store
	Signups        Signups
	RootFolderID   string
	MaxUploadBytes int64
	Location       *time.Location
	Now            func() time.Time
	Logger         *logger.Logger
}

type API struct {
	store    store.Store
	signups  Signups
	rootID   string
	maxBytes int64
	loc      *time.Location
	now      func() time.Time
	log      *logger.Logger
}

func NewAPI(opts Options) *API {
	a := &API{
		store:    opts.Store,
		signups:  opts.Signups,
		rootID:   strings.TrimSpace(opts.RootFolderID),
		maxBytes: opts.MaxUploadBytes,
		loc:      opts.Location,
		now:      opts.Now,
		log:      opts.Logger,
	}
	if a.maxBytes <= 0 {
		a.maxBytes = 10 << 20
	}
	if a.loc == nil {
		a.loc = time.UTC
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.log == nil {
		a.log = logger.New()
	}
	a.log = a.log.Component("ingest")
	return a
}

// NewEngine wires the API into a gin engine with its middleware.
func NewEngine(a *API) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestLogger(a.log))
	// base64 and the JSON envelope inflate the payload by roughly a third
	engine.Use(MaxBodySize(a.maxBytes*2 + 1<<20))
	registerRoutes(engine, a)
	return engine
}

func registerRoutes(r *gin.Engine, a *API) {
	r.GET("/", a.handleLiveness)
	r.POST("/", a.handleAction)
}

func (a *API) handleLiveness(c *gin.Context) {
	c.String(http.StatusOK, LivenessText)
}

type envelope struct {
	Action string `json:"action"`
}

func (a *API) handleAction(c *gin.Context) {
	var env envelope
	if err := c.ShouldBindBodyWith(&env, binding.JSON); err != nil {
		if tooLarge(err) {
			respondMessage(c, http.StatusRequestEntityTooLarge, a.tooLargeMessage())
			return
		}
		respondMessage(c, http.StatusBadRequest, "Aucune donnée reçue.")
		return
	}

	switch env.Action {
	case "ensureUserFolder":
		a.handleEnsureUserFolder(c)
	case "uploadAudio":
		a.handleUploadAudio(c)
	case "saveEmail":
		a.handleSaveEmail(c)
	case "":
		respondMessage(c, http.StatusBadRequest, "Action manquante.")
	default:
		respondMessage(c, http.StatusBadRequest, "Action inconnue.")
	}
}

type folderRequest struct {
	StudentCode string `json:"studentCode" binding:"required"`
	Cohort      string `json:"cohort" binding:"required"`
	Profile     string `json:"profile" binding:"required"`
	Used        string `json:"used" binding:"required"`
}

func (a *API) handleEnsureUserFolder(c *gin.Context) {
	var req folderRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		respondMessage(c, http.StatusBadRequest, "Métadonnées manquantes pour création dossier.")
		return
	}
	if a.rootID == "" {
		respondMessage(c, http.StatusServiceUnavailable, "Service de stockage non configuré.")
		return
	}

	ctx := c.Request.Context()
	entry := a.log.WithRequest(c.Request)

	folder, err := a.store.Folder(ctx, a.rootID)
	if err != nil {
		entry.WithField("error", err.Error()).Error("root folder unavailable")
		respondMessage(c, http.StatusServiceUnavailable, "Service de stockage non configuré.")
		return
	}
	names := []string{
		sanitize.Segment(req.Used, 0),
		sanitize.Segment(req.Profile, 0),
		sanitize.Segment(req.StudentCode, 0) + "_" + sanitize.Segment(req.Cohort, 0),
	}
	for _, name := range names {
		folder, err = a.store.GetOrCreateFolder(ctx, folder, name)
		if err != nil {
			entry.WithField("error", err.Error()).Error("ensure user folder failed")
			respondMessage(c, http.StatusInternalServerError, "Erreur création dossier.")
			return
		}
	}

	entry.WithField("folder_id", folder.ID).Info("user folder ready")
	c.JSON(http.StatusOK, gin.H{"ok": true, "userFolderDriveId": folder.ID})
}

type uploadRequest struct {
	Consent     json.RawMessage `json:"consent"`
	FileBase64  string          `json:"fileBase64"`
	FolderID    string          `json:"userFolderDriveId"`
	StudentCode string          `json:"studentCode"`
	Cohort      string          `json:"cohort"`
	Profile     string          `json:"profile"`
	Used        string          `json:"used"`
	Topic       string          `json:"topic"`
	DurationSec json.RawMessage `json:"durationSec"`
	MimeType    json.RawMessage `json:"mimeType"`
	ClientUA    string          `json:"clientUA"`
}

// uploadMeta is the metadata document layout the batch worker reads.
type uploadMeta struct {
	ReceivedAt    string  `json:"receivedAt"`
	StudentCode   string  `json:"studentCode"`
	Cohort        string  `json:"cohort"`
	Profile       string  `json:"profile"`
	Used          string  `json:"used"`
	Topic         string  `json:"topic"`
	DurationSec   float64 `json:"durationSec"`
	MimeType      string  `json:"mimeType"`
	IP            string  `json:"ip"`
	UserAgent     string  `json:"userAgent"`
	AudioFileName string  `json:"audioFileName"`
	BaseFileName  string  `json:"baseFileName"`
	UserFolderID  string  `json:"userFolderId"`
}

func (a *API) handleUploadAudio(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		respondMessage(c, http.StatusBadRequest, "Requête invalide.")
		return
	}

	switch {
	case string(bytes.TrimSpace(req.Consent)) != "true":
		respondMessage(c, http.StatusBadRequest, "Consentement requis.")
		return
	case req.FileBase64 == "":
		respondMessage(c, http.StatusBadRequest, "Audio manquant.")
		return
	case req.FolderID == "":
		respondMessage(c, http.StatusBadRequest, "ID Dossier manquant. Veuillez rafraîchir le profil.")
		return
	case req.StudentCode == "" || req.Cohort == "" || req.Profile == "" || req.Used == "" || req.Topic == "":
		respondMessage(c, http.StatusBadRequest, "Métadonnées manquantes.")
		return
	}

	audio, err := base64.StdEncoding.DecodeString(req.FileBase64)
	if err != nil {
		respondMessage(c, http.StatusBadRequest, "Audio illisible.")
		return
	}
	if int64(len(audio)) > a.maxBytes {
		respondMessage(c, http.StatusRequestEntityTooLarge, a.tooLargeMessage())
		return
	}

	ctx := c.Request.Context()
	entry := a.log.WithRequest(c.Request)

	folder, err := a.userFolder(ctx, req.FolderID)
	if err != nil {
		entry.WithField("folder_id", req.FolderID).WithField("error", err.Error()).Warn("user folder lookup failed")
		respondMessage(c, http.StatusNotFound, "Erreur accès dossier. Veuillez rafraîchir le profil.")
		return
	}

	rawMime := rawMimeType(req.MimeType)
	cleanMime := sanitize.MimeType(rawMime)
	now := a.now()
	base := sanitize.Segment(req.Topic, 0) + "_" + now.In(a.loc).Format(stampLayout)
	audioName := types.AudioFileName(base, sanitize.AudioExtension(cleanMime))

	audioFile, err := a.store.Create(ctx, folder, audioName, cleanMime, audio)
	if err != nil {
		entry.WithField("error", err.Error()).Error("save audio failed")
		respondMessage(c, http.StatusInternalServerError, "Erreur sauvegarde audio.")
		return
	}

	meta := uploadMeta{
		ReceivedAt:    now.UTC().Format(isoMillis),
		StudentCode:   sanitize.Segment(req.StudentCode, 0),
		Cohort:        sanitize.Segment(req.Cohort, 0),
		Profile:       sanitize.Segment(req.Profile, 0),
		Used:          sanitize.Segment(req.Used, 0),
		Topic:         sanitize.Segment(req.Topic, 0),
		DurationSec:   durationSeconds(req.DurationSec),
		MimeType:      rawMime,
		IP:            c.GetHeader("X-Forwarded-For"),
		UserAgent:     req.ClientUA,
		AudioFileName: audioFile.Name,
		BaseFileName:  base,
		UserFolderID:  folder.ID,
	}
	doc, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	if _, err := a.store.Create(ctx, folder, types.MetaFileName(base), types.MimeJSON, doc); err != nil {
		entry.WithField("error", err.Error()).Error("save metadata failed")
		respondMessage(c, http.StatusInternalServerError, "Erreur sauvegarde métadonnées.")
		return
	}

	entry.WithField("folder_id", folder.ID).WithField("base", base).WithField("bytes", len(audio)).Info("submission stored")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// userFolder resolves a folder id handed out by ensureUserFolder. Ids
// outside the configured root are refused.
func (a *API) userFolder(ctx context.Context, id string) (store.Folder, error) {
	clean, err := store.CleanID(id)
	if err != nil {
		return store.Folder{}, err
	}
	if a.rootID != "" && clean != a.rootID && !strings.HasPrefix(clean, a.rootID+"/") {
		return store.Folder{}, store.ErrNotFound
	}
	return a.store.Folder(ctx, clean)
}

type emailRequest struct {
	Email       string `json:"email" binding:"required,email"`
	StudentCode string `json:"studentCode" binding:"required"`
}

func (a *API) handleSaveEmail(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Field() == "Email" {
					respondMessage(c, http.StatusBadRequest, "Email invalide.")
					return
				}
			}
			respondMessage(c, http.StatusBadRequest, "Identifiant manquant.")
			return
		}
		respondMessage(c, http.StatusBadRequest, "Requête invalide.")
		return
	}
	if a.signups == nil {
		respondMessage(c, http.StatusServiceUnavailable, "Liste de diffusion non configurée.")
		return
	}

	signup := mailinglist.Signup{At: a.now(), Email: req.Email, StudentCode: req.StudentCode}
	if err := a.signups.Append(c.Request.Context(), signup); err != nil {
		a.log.WithRequest(c.Request).WithField("error", err.Error()).Error("save signup failed")
		respondMessage(c, http.StatusInternalServerError, "Erreur enregistrement email.")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func rawMimeType(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return sanitize.FallbackMimeType
	}
	for len(s) > rawMimeMaxLen {
		_, size := utf8.DecodeLastRuneInString(s)
		s = s[:len(s)-size]
	}
	return s
}

// durationSeconds accepts a number or a numeric string; anything else is 0.
func durationSeconds(raw json.RawMessage) float64 {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	return 0
}

// tooLargeMessage states the configured upload limit.
func (a *API) tooLargeMessage() string {
	if a.maxBytes%(1<<20) == 0 {
		return fmt.Sprintf("Fichier > %d Mo.", a.maxBytes>>20)
	}
	return fmt.Sprintf("Fichier > %d Ko.", (a.maxBytes+1023)>>10)
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func respondError(c *gin.Context, status int, err error) {
	respondMessage(c, status, err.Error())
}

func respondMessage(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"ok": false, "error": message})
}
