package main

import (
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eddielth/shellyd/cloud"
)

// simulator answers device state queries with random readings
type simulator struct {
	key  string
	drop float64 // probability of leaving out temperature:0

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

func newSimulator(key string, drop float64, seed int64) *simulator {
	return &simulator{
		key:  key,
		drop: drop,
		rng:  rand.New(rand.NewSource(seed)),
		now:  time.Now,
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// status builds one device's status object
func (s *simulator) status(id string) gin.H {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := gin.H{
		"ts":         float64(s.now().UnixMilli()) / 1000,
		"humidity:0": gin.H{"id": 0, "rh": round1(40 + s.rng.Float64()*40)},
		"devicepower:0": gin.H{
			"id": 0,
			"battery": gin.H{
				"V":       round1(3.0 + s.rng.Float64()*1.2),
				"percent": s.rng.Intn(101),
			},
		},
		"sys": gin.H{"uptime": s.rng.Intn(1 << 20)},
	}
	if s.rng.Float64() >= s.drop {
		status["temperature:0"] = gin.H{"id": 0, "tC": round1(20 + (s.rng.Float64()*10 - 5)), "tF": nil}
	}
	return status
}

func (s *simulator) routes(engine *gin.Engine) {
	engine.POST("/v2/devices/api/get", s.handleGet)
}

func (s *simulator) handleGet(c *gin.Context) {
	if c.Query("auth_key") != s.key {
		c.JSON(http.StatusUnauthorized, gin.H{"isok": false, "errors": gin.H{"wrong_auth_key": "invalid"}})
		return
	}

	var req cloud.PollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"isok": false, "errors": gin.H{"bad_request": err.Error()}})
		return
	}

	items := make([]gin.H, 0, len(req.IDs))
	for _, id := range req.IDs {
		items = append(items, gin.H{"id": id, "type": "sensor", "gen": "G3", "status": s.status(id)})
	}
	c.JSON(http.StatusOK, items)
}
