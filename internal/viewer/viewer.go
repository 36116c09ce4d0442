// internal/viewer/viewer.go
//
// GLFW window and line renderer for the avatar skeleton and controls
package viewer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexrig/internal/renderer"
	"github.com/normanking/cortexrig/internal/rig"
)

// Config configures the viewer window
type Config struct {
	Width         int
	Height        int
	Title         string
	VSync         bool
	MSAA          int
	TransparentBG bool
	AlwaysOnTop   bool

	// ShaderDir may hold lines.vert and lines.frag overriding the built-in
	// shader. Files found there are reloaded when they change.
	ShaderDir string

	// MaxBars limits the control overlay
	MaxBars int
}

// DefaultConfig returns a portrait window
func DefaultConfig() Config {
	return Config{
		Width:   500,
		Height:  700,
		Title:   "CortexRig",
		VSync:   true,
		MSAA:    4,
		MaxBars: 40,
	}
}

// Renderer owns the window and draws the committed model each frame
type Renderer struct {
	window *glfw.Window
	config Config
	logger zerolog.Logger

	lineShader *Shader
	watcher    *ShaderWatcher
	camera     *renderer.Camera

	lineVAO uint32
	lineVBO uint32

	viewProj  mgl32.Mat4
	drawCalls int
	vertices  int

	winWidth, winHeight int
}

// New creates the window and GL resources. glfw.Init must already have been
// called on the locked main thread.
func New(cfg Config, logger zerolog.Logger) (*Renderer, error) {
	glfw.WindowHint(glfw.ContextVersionMajor, 4)
	glfw.WindowHint(glfw.ContextVersionMinor, 1)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)
	glfw.WindowHint(glfw.Resizable, glfw.True)

	if cfg.MSAA > 0 {
		glfw.WindowHint(glfw.Samples, cfg.MSAA)
	}
	if cfg.TransparentBG {
		glfw.WindowHint(glfw.TransparentFramebuffer, glfw.True)
	}
	if cfg.AlwaysOnTop {
		glfw.WindowHint(glfw.Floating, glfw.True)
	}

	window, err := glfw.CreateWindow(cfg.Width, cfg.Height, cfg.Title, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create window: %w", err)
	}
	window.MakeContextCurrent()

	if err := gl.Init(); err != nil {
		window.Destroy()
		return nil, fmt.Errorf("gl init: %w", err)
	}

	if cfg.VSync {
		glfw.SwapInterval(1)
	} else {
		glfw.SwapInterval(0)
	}

	r := &Renderer{
		window: window,
		config: cfg,
		logger: logger.With().Str("component", "renderer").Logger(),
	}
	r.winWidth, r.winHeight = window.GetSize()
	r.camera = renderer.NewPortraitCamera(r.Viewport().Aspect())

	if err := r.initShaders(); err != nil {
		window.Destroy()
		return nil, fmt.Errorf("init shaders: %w", err)
	}
	r.initLines()

	window.SetSizeCallback(func(_ *glfw.Window, w, h int) {
		r.winWidth, r.winHeight = w, h
		r.camera.SetAspectRatio(r.Viewport().Aspect())
	})

	gl.Enable(gl.DEPTH_TEST)
	gl.DepthFunc(gl.LESS)
	if cfg.MSAA > 0 {
		gl.Enable(gl.MULTISAMPLE)
	}

	r.logger.Info().
		Int("width", r.winWidth).
		Int("height", r.winHeight).
		Str("gl", gl.GoStr(gl.GetString(gl.VERSION))).
		Msg("renderer initialized")
	return r, nil
}

func (r *Renderer) initShaders() error {
	if r.config.ShaderDir != "" {
		vert := filepath.Join(r.config.ShaderDir, "lines.vert")
		frag := filepath.Join(r.config.ShaderDir, "lines.frag")
		if fileExists(vert) && fileExists(frag) {
			shader, err := NewShaderFromFiles(vert, frag)
			if err == nil {
				r.lineShader = shader
				r.watchShader(shader)
				return nil
			}
			r.logger.Warn().Err(err).Msg("shader files rejected, using built-in")
		}
	}

	shader, err := NewShaderFromSource(lineVertSrc, lineFragSrc)
	if err != nil {
		return fmt.Errorf("line shader: %w", err)
	}
	r.lineShader = shader
	return nil
}

func (r *Renderer) watchShader(s *Shader) {
	w, err := NewShaderWatcher(r.logger)
	if err != nil {
		r.logger.Warn().Err(err).Msg("shader watcher unavailable")
		return
	}
	if err := w.Watch(s); err != nil {
		r.logger.Warn().Err(err).Msg("shader watch failed")
		w.Close()
		return
	}
	r.watcher = w
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (r *Renderer) initLines() {
	gl.GenVertexArrays(1, &r.lineVAO)
	gl.GenBuffers(1, &r.lineVBO)

	gl.BindVertexArray(r.lineVAO)
	gl.BindBuffer(gl.ARRAY_BUFFER, r.lineVBO)

	stride := int32(renderer.FloatsPerVertex * 4)
	gl.VertexAttribPointerWithOffset(0, 3, gl.FLOAT, false, stride, 0)
	gl.EnableVertexAttribArray(0)
	gl.VertexAttribPointerWithOffset(1, 3, gl.FLOAT, false, stride, 3*4)
	gl.EnableVertexAttribArray(1)

	gl.BindVertexArray(0)
}

// Window returns the GLFW window for input callbacks
func (r *Renderer) Window() *glfw.Window {
	return r.window
}

// Camera returns the scene camera
func (r *Renderer) Camera() *renderer.Camera {
	return r.camera
}

// Viewport reports the window client area in screen coordinates, the same
// space GLFW cursor positions are reported in
func (r *Renderer) Viewport() renderer.Viewport {
	return renderer.Viewport{Width: float64(r.winWidth), Height: float64(r.winHeight)}
}

// BeginFrame applies pending shader reloads and clears the framebuffer
func (r *Renderer) BeginFrame() {
	r.drawCalls = 0
	r.vertices = 0

	if r.watcher != nil {
		r.watcher.ReloadPending()
	}

	fbW, fbH := r.window.GetFramebufferSize()
	gl.Viewport(0, 0, int32(fbW), int32(fbH))

	if r.config.TransparentBG {
		gl.ClearColor(0, 0, 0, 0)
	} else {
		gl.ClearColor(0.1, 0.1, 0.12, 1.0)
	}
	gl.Clear(gl.COLOR_BUFFER_BIT | gl.DEPTH_BUFFER_BIT)

	r.viewProj = r.camera.ViewProjection32()
}

// DrawModel draws the skeleton of m and an overlay of its controls
func (r *Renderer) DrawModel(m *rig.Model) {
	if m == nil {
		return
	}
	r.drawLines(renderer.SkeletonLines(m), r.viewProj)

	gl.Disable(gl.DEPTH_TEST)
	r.drawLines(renderer.ControlBars(m.Controls, r.config.MaxBars), mgl32.Ident4())
	gl.Enable(gl.DEPTH_TEST)
}

func (r *Renderer) drawLines(vertices []float32, mvp mgl32.Mat4) {
	if len(vertices) == 0 {
		return
	}
	r.lineShader.Use()
	r.lineShader.SetMat4("uMVP", mvp)

	gl.BindVertexArray(r.lineVAO)
	gl.BindBuffer(gl.ARRAY_BUFFER, r.lineVBO)
	gl.BufferData(gl.ARRAY_BUFFER, len(vertices)*4, gl.Ptr(vertices), gl.STREAM_DRAW)

	count := int32(len(vertices) / renderer.FloatsPerVertex)
	gl.DrawArrays(gl.LINES, 0, count)
	gl.BindVertexArray(0)

	r.drawCalls++
	r.vertices += int(count)
}

// EndFrame presents the frame and polls window events
func (r *Renderer) EndFrame() {
	r.window.SwapBuffers()
	glfw.PollEvents()
}

// ShouldClose reports whether the user closed the window
func (r *Renderer) ShouldClose() bool {
	return r.window.ShouldClose()
}

// GetStats returns draw calls and vertices of the last frame
func (r *Renderer) GetStats() (drawCalls, vertices int) {
	return r.drawCalls, r.vertices
}

// Shutdown releases GL resources and destroys the window
func (r *Renderer) Shutdown() {
	if r.watcher != nil {
		r.watcher.Close()
	}
	gl.DeleteVertexArrays(1, &r.lineVAO)
	gl.DeleteBuffers(1, &r.lineVBO)
	r.lineShader.Delete()
	r.window.Destroy()
}

var lineVertSrc = `#version 410 core

layout(location = 0) in vec3 aPosition;
layout(location = 1) in vec3 aColor;

out vec3 vColor;

uniform mat4 uMVP;

void main() {
    vColor = aColor;
    gl_Position = uMVP * vec4(aPosition, 1.0);
}
` + "\x00"

var lineFragSrc = `#version 410 core

in vec3 vColor;

out vec4 FragColor;

void main() {
    FragColor = vec4(vColor, 1.0);
}
` + "\x00"
