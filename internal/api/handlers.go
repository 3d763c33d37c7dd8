// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/grid-x/modbusbridge/bridge"
	"github.com/grid-x/modbusbridge/codec"
	"github.com/grid-x/modbusbridge/protocol"
)

const bridgeKey = "bridge"

// GET /health
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "bridges": len(s.bridges)})
}

// GET /api/v1/bridges
func (s *Server) listBridges(c *gin.Context) {
	response := make([]gin.H, 0, len(s.order))
	for _, name := range s.order {
		b := s.bridges[name]
		response = append(response, gin.H{
			"name":       name,
			"components": len(b.Components()),
			"stats":      b.Stats(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"bridges": response, "count": len(response)})
}

func (s *Server) withBridge(c *gin.Context) {
	b, ok := s.bridges[c.Param("bridge")]
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "bridge not found"})
		return
	}
	c.Set(bridgeKey, b)
	c.Next()
}

func bridgeOf(c *gin.Context) *bridge.Bridge {
	return c.MustGet(bridgeKey).(*bridge.Bridge)
}

// componentError maps bridge errors to responses.
func componentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, bridge.ErrUnknownComponent):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, protocol.ErrNotWritable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// GET /api/v1/bridges/:bridge
func (s *Server) getBridge(c *gin.Context) {
	b := bridgeOf(c)
	c.JSON(http.StatusOK, gin.H{
		"name":         b.Name(),
		"stats":        b.Stats(),
		"droppedTicks": b.DroppedTicks(),
		"cycle":        b.Image().Cycle(),
	})
}

// GET /api/v1/bridges/:bridge/components
func (s *Server) listComponents(c *gin.Context) {
	components := bridgeOf(c).Components()
	c.JSON(http.StatusOK, gin.H{"components": components, "count": len(components)})
}

// GET /api/v1/bridges/:bridge/components/:id
func (s *Server) getComponent(c *gin.Context) {
	st, err := bridgeOf(c).Status(c.Param("id"))
	if err != nil {
		componentError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// PUT /api/v1/bridges/:bridge/components/:id/enabled
func (s *Server) setEnabled(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := bridgeOf(c).SetEnabled(c.Param("id"), *req.Enabled); err != nil {
		componentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "enabled": *req.Enabled})
}

// GET /api/v1/bridges/:bridge/components/:id/registers
func (s *Server) getRegisters(c *gin.Context) {
	def, err := bridgeOf(c).Definition(c.Param("id"))
	if err != nil {
		componentError(c, err)
		return
	}
	registers := def.Registers()
	c.JSON(http.StatusOK, gin.H{"registers": registers, "count": len(registers)})
}

// GET /api/v1/bridges/:bridge/components/:id/channels
func (s *Server) getChannels(c *gin.Context) {
	b := bridgeOf(c)
	id := c.Param("id")
	if _, err := b.Status(id); err != nil {
		componentError(c, err)
		return
	}
	img := b.Image()
	values := img.Component(id)
	if values == nil {
		values = bridge.Values{}
	}
	c.JSON(http.StatusOK, gin.H{"cycle": img.Cycle(), "time": img.Time(), "values": values})
}

// PUT /api/v1/bridges/:bridge/components/:id/channels/:channel
func (s *Server) setChannel(c *gin.Context) {
	var req struct {
		Value codec.Value `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, ch := c.Param("id"), protocol.ChannelID(c.Param("channel"))
	if err := bridgeOf(c).SetNextWriteValue(id, ch, req.Value); err != nil {
		componentError(c, err)
		return
	}
	s.logger.Info("write value queued",
		zap.String("component", id), zap.String("channel", string(ch)), zap.Stringer("value", req.Value))
	c.JSON(http.StatusAccepted, gin.H{"id": id, "channel": ch, "value": req.Value})
}
