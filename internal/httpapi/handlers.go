package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"studysync/internal/engine"
	"studysync/internal/registry"
	"studysync/internal/schedule"
	"studysync/pkg/logx"
)

func respondError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

// errStatus maps domain errors onto HTTP status codes.
func errStatus(err error) int {
	var verr *schedule.ValidationError
	switch {
	case errors.Is(err, schedule.ErrNotFound), errors.Is(err, registry.ErrParentNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrParentExists):
		return http.StatusConflict
	case errors.As(err, &verr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ---- Parents ----

type createParentInput struct {
	Phone    string   `json:"phone" binding:"required"`
	Name     string   `json:"name" binding:"required"`
	Children []string `json:"children"`
	Timezone string   `json:"timezone"`
}

func (s *Server) createParent(c *gin.Context) {
	var in createParentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, "invalid input: "+err.Error())
		return
	}
	p := registry.Parent{Phone: in.Phone, Name: in.Name, Children: in.Children, Timezone: in.Timezone}
	if err := s.reg.CreateParent(c.Request.Context(), p); err != nil {
		respondError(c, errStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) listParents(c *gin.Context) {
	parents, err := s.reg.ListParents(c.Request.Context())
	if err != nil {
		respondError(c, errStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, parents)
}

func (s *Server) getParent(c *gin.Context) {
	p, err := s.reg.GetParent(c.Request.Context(), c.Param("phone"))
	if err != nil {
		respondError(c, errStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, p)
}

// ---- Classes ----

type createClassInput struct {
	ParentPhone string `json:"parent_phone" binding:"required"`
	ChildName   string `json:"child_name" binding:"required"`
	Subject     string `json:"subject" binding:"required"`
	Day         string `json:"day" binding:"required"`
	Time        string `json:"time" binding:"required"` // "HH:MM"
	LeadMinutes int    `json:"lead_minutes" binding:"required"`
	Timezone    string `json:"timezone"`
}

func (s *Server) createClass(c *gin.Context) {
	var in createClassInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, "invalid input: "+err.Error())
		return
	}
	day, err := schedule.ParseWeekday(in.Day)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	hour, minute, err := schedule.ParseClassTime(in.Time)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := s.reg.CreateClass(c.Request.Context(), registry.ClassInput{
		ParentPhone: in.ParentPhone,
		ChildName:   in.ChildName,
		Subject:     in.Subject,
		Day:         day,
		Hour:        hour,
		Minute:      minute,
		LeadMinutes: in.LeadMinutes,
		Timezone:    in.Timezone,
	})
	if err != nil {
		respondError(c, errStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) listClasses(c *gin.Context) {
	classes := s.reg.ListClasses()
	if classes == nil {
		classes = []schedule.Entry{}
	}
	c.JSON(http.StatusOK, classes)
}

func (s *Server) classesForParent(c *gin.Context) {
	classes := s.reg.ClassesForParent(c.Param("phone"))
	if classes == nil {
		classes = []schedule.Entry{}
	}
	c.JSON(http.StatusOK, classes)
}

type updateClassInput struct {
	ChildName   *string `json:"child_name"`
	Subject     *string `json:"subject"`
	Day         *string `json:"day"`
	Time        *string `json:"time"`
	LeadMinutes *int    `json:"lead_minutes"`
	Timezone    *string `json:"timezone"`
}

func (s *Server) updateClass(c *gin.Context) {
	var in updateClassInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, "invalid input: "+err.Error())
		return
	}
	fields := engine.Update{
		ChildName:   in.ChildName,
		Subject:     in.Subject,
		LeadMinutes: in.LeadMinutes,
		Timezone:    in.Timezone,
	}
	if in.Day != nil {
		day, err := schedule.ParseWeekday(*in.Day)
		if err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		fields.Day = &day
	}
	if in.Time != nil {
		hour, minute, err := schedule.ParseClassTime(*in.Time)
		if err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		fields.Hour = &hour
		fields.Minute = &minute
	}
	entry, err := s.reg.UpdateClass(c.Request.Context(), c.Param("id"), fields)
	if err != nil {
		respondError(c, errStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) deleteClass(c *gin.Context) {
	if err := s.reg.DeleteClass(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, errStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "class deleted"})
}

func (s *Server) deactivateClass(c *gin.Context) {
	if err := s.reg.DeactivateClass(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, errStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "class deactivated"})
}

func (s *Server) activateClass(c *gin.Context) {
	entry, err := s.reg.ActivateClass(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, errStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, entry)
}

// ---- Reminders ----

// sendReminder fires the reminder for a class right now. A duplicate
// trigger while a send is outstanding is accepted and does nothing.
func (s *Server) sendReminder(c *gin.Context) {
	res, err := s.eng.ManualFire(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, errStatus(err), err.Error())
		return
	}
	switch res {
	case engine.ResultSent:
		c.JSON(http.StatusOK, gin.H{"result": res.String()})
	case engine.ResultSkippedInFlight, engine.ResultSkippedStale:
		c.JSON(http.StatusAccepted, gin.H{"result": res.String()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"result": res.String()})
	}
}

// ---- Messages ----

func (s *Server) listMessages(c *gin.Context) {
	msgs, err := s.reg.MessagesForPhone(c.Request.Context(), c.Param("phone"), 0)
	if err != nil {
		respondError(c, errStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// ---- Webhook ----

type inboundInput struct {
	From string `json:"from" binding:"required"`
	Body string `json:"body"`
}

func (s *Server) inboundWebhook(c *gin.Context) {
	var in inboundInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, "invalid input: "+err.Error())
		return
	}
	reply := s.reg.HandleCommand(c.Request.Context(), in.From, in.Body)
	s.log.Info("inbound command",
		logx.String("from", in.From),
		logx.String("body", in.Body),
	)
	// The answer goes back over the messaging channel; the HTTP response
	// echoes it for webhook debugging.
	if s.notif != nil {
		if err := s.notif.Send(c.Request.Context(), in.From, reply); err != nil {
			s.log.Warn("webhook reply send failed", logx.String("to", in.From), logx.Err(err))
		}
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

// ---- Health ----

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"schedule": s.eng.Snapshot(),
	})
}
