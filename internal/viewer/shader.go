// internal/viewer/shader.go
//
// Shader compilation and hot reload from disk
package viewer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/rs/zerolog"
)

// ErrNotFromFiles is returned when reloading or watching an embedded shader
var ErrNotFromFiles = errors.New("renderer: shader was not loaded from files")

// Shader represents a compiled OpenGL shader program
type Shader struct {
	ID uint32

	// Source paths for hot-reload
	vertPath string
	fragPath string

	// Uniform location cache
	uniformCache map[string]int32
	mu           sync.RWMutex
}

// NewShaderFromFiles loads and compiles shaders from files
func NewShaderFromFiles(vertPath, fragPath string) (*Shader, error) {
	vertSrc, err := os.ReadFile(vertPath)
	if err != nil {
		return nil, fmt.Errorf("read vertex shader %s: %w", vertPath, err)
	}

	fragSrc, err := os.ReadFile(fragPath)
	if err != nil {
		return nil, fmt.Errorf("read fragment shader %s: %w", fragPath, err)
	}

	// Ensure null termination
	vertStr := string(vertSrc)
	if !strings.HasSuffix(vertStr, "\x00") {
		vertStr += "\x00"
	}

	fragStr := string(fragSrc)
	if !strings.HasSuffix(fragStr, "\x00") {
		fragStr += "\x00"
	}

	shader, err := NewShaderFromSource(vertStr, fragStr)
	if err != nil {
		return nil, err
	}

	shader.vertPath = vertPath
	shader.fragPath = fragPath

	return shader, nil
}

// NewShaderFromSource compiles shaders from source strings
func NewShaderFromSource(vertSrc, fragSrc string) (*Shader, error) {
	// Compile vertex shader
	vertShader, err := compileShader(vertSrc, gl.VERTEX_SHADER)
	if err != nil {
		return nil, fmt.Errorf("vertex shader: %w", err)
	}
	defer gl.DeleteShader(vertShader)

	// Compile fragment shader
	fragShader, err := compileShader(fragSrc, gl.FRAGMENT_SHADER)
	if err != nil {
		return nil, fmt.Errorf("fragment shader: %w", err)
	}
	defer gl.DeleteShader(fragShader)

	// Link program
	program := gl.CreateProgram()
	gl.AttachShader(program, vertShader)
	gl.AttachShader(program, fragShader)
	gl.LinkProgram(program)

	// Check link status
	var status int32
	gl.GetProgramiv(program, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetProgramiv(program, gl.INFO_LOG_LENGTH, &logLength)

		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetProgramInfoLog(program, logLength, nil, gl.Str(log))

		return nil, fmt.Errorf("link failed: %s", log)
	}

	return &Shader{
		ID:           program,
		uniformCache: make(map[string]int32),
	}, nil
}

func compileShader(source string, shaderType uint32) (uint32, error) {
	shader := gl.CreateShader(shaderType)

	csource, free := gl.Strs(source)
	gl.ShaderSource(shader, 1, csource, nil)
	free()
	gl.CompileShader(shader)

	var status int32
	gl.GetShaderiv(shader, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetShaderiv(shader, gl.INFO_LOG_LENGTH, &logLength)

		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetShaderInfoLog(shader, logLength, nil, gl.Str(log))

		typeName := "vertex"
		if shaderType == gl.FRAGMENT_SHADER {
			typeName = "fragment"
		}

		return 0, fmt.Errorf("%s compile error: %s", typeName, log)
	}

	return shader, nil
}

// Use activates this shader program
func (s *Shader) Use() {
	gl.UseProgram(s.ID)
}

// Delete releases shader resources
func (s *Shader) Delete() {
	gl.DeleteProgram(s.ID)
}

// Reload recompiles the shader from its source files
func (s *Shader) Reload() error {
	if s.vertPath == "" || s.fragPath == "" {
		return ErrNotFromFiles
	}

	newShader, err := NewShaderFromFiles(s.vertPath, s.fragPath)
	if err != nil {
		return err
	}

	// Swap program ID
	oldID := s.ID
	s.ID = newShader.ID

	// Clear uniform cache
	s.mu.Lock()
	s.uniformCache = make(map[string]int32)
	s.mu.Unlock()

	// Delete old program
	gl.DeleteProgram(oldID)

	return nil
}

// getUniformLocation returns cached uniform location
func (s *Shader) getUniformLocation(name string) int32 {
	s.mu.RLock()
	if loc, ok := s.uniformCache[name]; ok {
		s.mu.RUnlock()
		return loc
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	loc := gl.GetUniformLocation(s.ID, gl.Str(name+"\x00"))
	s.uniformCache[name] = loc
	return loc
}

// SetMat4 sets a mat4 uniform
func (s *Shader) SetMat4(name string, m mgl32.Mat4) {
	gl.UniformMatrix4fv(s.getUniformLocation(name), 1, false, &m[0])
}

// =============================================================================
// SHADER HOT-RELOAD WATCHER
// =============================================================================

// ShaderWatcher watches shader files and queues changed shaders. Programs
// are only recompiled by ReloadPending, which must run on the GL thread.
type ShaderWatcher struct {
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
	shaders map[string]*Shader // path -> shader
	pending map[*Shader]bool
	mu      sync.Mutex
	done    chan struct{}
}

// NewShaderWatcher creates a new shader watcher
func NewShaderWatcher(logger zerolog.Logger) (*ShaderWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	sw := &ShaderWatcher{
		watcher: watcher,
		logger:  logger.With().Str("component", "shaders").Logger(),
		shaders: make(map[string]*Shader),
		pending: make(map[*Shader]bool),
		done:    make(chan struct{}),
	}

	go sw.watchLoop()

	return sw, nil
}

// Watch adds a shader to be watched for changes
func (sw *ShaderWatcher) Watch(shader *Shader) error {
	if shader.vertPath == "" || shader.fragPath == "" {
		return ErrNotFromFiles
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	vertDir := filepath.Dir(shader.vertPath)
	if err := sw.watcher.Add(vertDir); err != nil {
		return err
	}
	fragDir := filepath.Dir(shader.fragPath)
	if fragDir != vertDir {
		if err := sw.watcher.Add(fragDir); err != nil {
			return err
		}
	}

	sw.shaders[filepath.Clean(shader.vertPath)] = shader
	sw.shaders[filepath.Clean(shader.fragPath)] = shader

	return nil
}

func (sw *ShaderWatcher) watchLoop() {
	for {
		select {
		case <-sw.done:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			sw.mu.Lock()
			if shader, ok := sw.shaders[filepath.Clean(event.Name)]; ok {
				sw.pending[shader] = true
				sw.logger.Debug().Str("file", event.Name).Msg("shader changed")
			}
			sw.mu.Unlock()
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Warn().Err(err).Msg("shader watcher error")
		}
	}
}

// Pending returns how many shaders are waiting to be reloaded
func (sw *ShaderWatcher) Pending() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.pending)
}

// ReloadPending recompiles every changed shader. A shader that fails to
// compile keeps its previous program.
func (sw *ShaderWatcher) ReloadPending() {
	sw.mu.Lock()
	pending := sw.pending
	sw.pending = make(map[*Shader]bool)
	sw.mu.Unlock()

	for shader := range pending {
		if err := shader.Reload(); err != nil {
			sw.logger.Error().Err(err).Str("vert", shader.vertPath).Msg("shader reload failed")
			continue
		}
		sw.logger.Info().Str("vert", shader.vertPath).Msg("shader reloaded")
	}
}

// Close stops the shader watcher
func (sw *ShaderWatcher) Close() error {
	close(sw.done)
	return sw.watcher.Close()
}
