package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wishlane/wishlane/internal/dispatch"
	"github.com/wishlane/wishlane/internal/model"
	"github.com/wishlane/wishlane/internal/service"
)

// Server wires services into HTTP handlers.
type Server struct {
	auth       service.AuthService
	wish       service.WishlistService
	dispatcher *dispatch.Dispatcher
	lists      listResolver
	signKey    []byte
	log        *zap.Logger
}

// New constructs an HTTP server with injected services.
func New(auth service.AuthService, wish service.WishlistService, dispatcher *dispatch.Dispatcher, lists listResolver, signKey []byte, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{auth: auth, wish: wish, dispatcher: dispatcher, lists: lists, signKey: signKey, log: log}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(Recover(s.log), Logging(s.log))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	pub := r.Group("/api/v1")
	pub.POST("/auth/register", s.register)
	pub.POST("/auth/login", s.login)

	api := r.Group("/api/v1", Auth(s.signKey, s.lists))
	api.POST("/locations", s.createLocation)
	api.POST("/locations/:id/archive", s.archiveLocation)
	api.DELETE("/locations/:id", s.deleteLocation)

	api.POST("/lists", s.createList)
	api.GET("/lists/:id", s.getList)
	api.DELETE("/lists/:id", s.deleteList)
	api.POST("/lists/:id/guest-token", s.rotateGuestToken)
	api.GET("/lists/:id/items", s.listItems)
	api.GET("/lists/:id/changes", s.changesSince)
	api.GET("/lists/:id/ws", s.subscribe)

	api.POST("/items", s.upsertItem)
	api.GET("/items/:id", s.getItem)
	api.DELETE("/items/:id", s.deleteItem)
	api.POST("/items/:id/reserve", s.reserveItem)
	api.POST("/items/:id/cancel", s.cancelReservation)
	api.POST("/items/:id/confirm", s.confirmPurchase)

	api.POST("/shares", s.createShare)
	api.DELETE("/shares/:id", s.deleteShare)

	return r
}

// --- auth ---

func (s *Server) register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	id, err := s.auth.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user_id": id})
}

func (s *Server) login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	tok, u, err := s.auth.LoginWithIP(c.Request.Context(), req.Username, req.Password, c.ClientIP())
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": tok.AccessToken,
		"expires_at":   tok.ExpiresAt,
		"user_id":      u.ID.String(),
	})
}

// --- locations ---

func (s *Server) createLocation(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	var req createLocationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	loc, err := s.wish.CreateLocation(c.Request.Context(), p, req.Name)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": loc.ID.String(), "name": loc.Name})
}

func (s *Server) archiveLocation(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	var req archiveLocationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	if err := s.wish.SetLocationArchived(c.Request.Context(), p, mustUUID(c.Param("id")), req.Archived); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteLocation(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	if err := s.wish.DeleteLocation(c.Request.Context(), p, mustUUID(c.Param("id"))); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- lists ---

func (s *Server) createList(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	var req createListReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	var locID *uuid.UUID
	if req.LocationID != nil {
		id := mustUUID(*req.LocationID)
		locID = &id
	}
	l, err := s.wish.CreateList(c.Request.Context(), p, req.Name, locID, model.Visibility(req.Visibility))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"list": toListResp(*l), "guest_token": l.GuestToken})
}

func (s *Server) getList(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	l, err := s.wish.GetList(c.Request.Context(), p, mustUUID(c.Param("id")))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"list": toListResp(*l)})
}

func (s *Server) deleteList(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	if err := s.wish.DeleteList(c.Request.Context(), p, mustUUID(c.Param("id"))); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) rotateGuestToken(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	token, err := s.wish.RotateGuestToken(c.Request.Context(), p, mustUUID(c.Param("id")))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"guest_token": token})
}

// --- items ---

func (s *Server) listItems(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	items, err := s.wish.ListItems(c.Request.Context(), p, mustUUID(c.Param("id")))
	if err != nil {
		writeErr(c, err)
		return
	}
	out := make([]itemResp, 0, len(items))
	for _, it := range items {
		out = append(out, toItemResp(it))
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (s *Server) upsertItem(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	var req upsertItemReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	up := model.UpsertItem{
		ID:         mustUUID(req.ID),
		ListID:     mustUUID(req.ListID),
		BaseVer:    req.BaseVer,
		Title:      req.Title,
		URL:        req.URL,
		PriceCents: req.PriceCents,
		Notes:      req.Notes,
	}
	iv, err := s.wish.UpsertItem(c.Request.Context(), p, up)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toVersionResp(iv))
}

func (s *Server) getItem(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	it, err := s.wish.GetItem(c.Request.Context(), p, mustUUID(c.Param("id")))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toItemResp(*it))
}

func (s *Server) deleteItem(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	var req deleteItemReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	iv, err := s.wish.DeleteItem(c.Request.Context(), p, mustUUID(c.Param("id")), req.BaseVer)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toVersionResp(iv))
}

// --- reservations ---

func (s *Server) reserveItem(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	res, err := s.wish.Reserve(c.Request.Context(), p, mustUUID(c.Param("id")))
	if err != nil {
		// Contention carries the competing claim (claimant scrubbed for
		// non-admins) so the UI can say "someone else is buying this".
		if res != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "already_reserved", "reservation": toReservationResp(*res)})
			return
		}
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, toReservationResp(*res))
}

func (s *Server) cancelReservation(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	if err := s.wish.CancelReservation(c.Request.Context(), p, mustUUID(c.Param("id"))); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) confirmPurchase(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	it, err := s.wish.ConfirmPurchase(c.Request.Context(), p, mustUUID(c.Param("id")))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toItemResp(*it))
}

// --- shares ---

func (s *Server) createShare(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	var req createShareReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	sh := model.Share{
		ResourceType: model.ResourceType(req.ResourceType),
		ResourceID:   mustUUID(req.ResourceID),
		SharedWith:   mustUUID(req.SharedWith),
		Role:         model.ParseRole(req.Role),
		ExpiresAt:    req.ExpiresAt,
	}
	created, err := s.wish.CreateShare(c.Request.Context(), p, sh)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": created.ID.String()})
}

func (s *Server) deleteShare(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	if err := s.wish.DeleteShare(c.Request.Context(), p, mustUUID(c.Param("id"))); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- sync ---

func (s *Server) changesSince(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	since, ok := parseSince(c.Query("since"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	chs, err := s.wish.ChangesSince(c.Request.Context(), p, mustUUID(c.Param("id")), since)
	if err != nil {
		writeErr(c, err)
		return
	}
	out := make([]changeResp, 0, len(chs))
	for _, ch := range chs {
		out = append(out, toChangeResp(ch))
	}
	c.JSON(http.StatusOK, gin.H{"changes": out})
}
