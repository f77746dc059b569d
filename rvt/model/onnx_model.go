//go:build onnx
// +build onnx

package model

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"revtune/rvt/data"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNX-backed seq2seq model under the onnx build tag. Encoder and decoder
// run as separate sessions and the decoder is re-fed the full prefix each
// step (no KV cache). This backend is inference-only: evaluation loss and
// beam-search generation work, gradient accumulation is delegated to an
// external training engine.
type onnxModel struct {
	modelPath string

	mu       sync.Mutex
	encoder  *ort.DynamicAdvancedSession
	decoder  *ort.DynamicAdvancedSession
	decNames []string

	// T5-style decoder start token (the pad id).
	decoderStartID int64
}

func newONNXModel(modelPath string) (Model, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("onnx model path is required")
	}
	return &onnxModel{modelPath: modelPath}, nil
}

func (m *onnxModel) ensureSessions() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.encoder != nil {
		return nil
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initialize onnx runtime: %w", err)
		}
	}

	encoderPath := findONNXFile(m.modelPath, []string{"encoder_model.onnx", "encoder.onnx"})
	decoderPath := findONNXFile(m.modelPath, []string{"decoder_model.onnx", "decoder.onnx", "decoder_model_merged.onnx"})
	if encoderPath == "" {
		return fmt.Errorf("encoder ONNX file not found in %s", m.modelPath)
	}
	if decoderPath == "" {
		return fmt.Errorf("decoder ONNX file not found in %s", m.modelPath)
	}

	opts := sessionOptions()
	encoder, err := ort.NewDynamicAdvancedSession(encoderPath,
		[]string{"input_ids", "attention_mask"}, []string{"last_hidden_state"}, opts)
	if err != nil {
		return fmt.Errorf("create encoder session: %w", err)
	}

	decNames, err := decoderInputNames(decoderPath)
	if err != nil {
		encoder.Destroy()
		return err
	}
	decoder, err := ort.NewDynamicAdvancedSession(decoderPath, decNames, []string{"logits"}, opts)
	if err != nil {
		encoder.Destroy()
		return fmt.Errorf("create decoder session: %w", err)
	}
	if opts != nil {
		opts.Destroy()
	}

	m.encoder = encoder
	m.decoder = decoder
	m.decNames = decNames
	return nil
}

func sessionOptions() *ort.SessionOptions {
	if onnxEPPreference == "" || onnxEPPreference == "cpu" {
		return nil
	}
	o, err := ort.NewSessionOptions()
	if err != nil {
		return nil
	}
	_ = o.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll)
	switch onnxEPPreference {
	case "cuda":
		if cu, e := ort.NewCUDAProviderOptions(); e == nil {
			_ = o.AppendExecutionProviderCUDA(cu)
			_ = cu.Destroy()
		}
	case "tensorrt":
		if trt, e := ort.NewTensorRTProviderOptions(); e == nil {
			_ = o.AppendExecutionProviderTensorRT(trt)
			_ = trt.Destroy()
		}
	case "coreml":
		_ = o.AppendExecutionProviderCoreMLV2(map[string]string{})
	case "dml":
		_ = o.AppendExecutionProviderDirectML(onnxDeviceID)
	}
	return o
}

func decoderInputNames(decoderPath string) ([]string, error) {
	ins, _, err := ort.GetInputOutputInfo(decoderPath)
	if err != nil {
		return nil, fmt.Errorf("get decoder IO info: %w", err)
	}
	available := make(map[string]bool, len(ins))
	for _, ii := range ins {
		available[ii.Name] = true
	}
	var names []string
	if available["decoder_input_ids"] {
		names = append(names, "decoder_input_ids")
	} else {
		names = append(names, "input_ids")
	}
	if available["encoder_hidden_states"] {
		names = append(names, "encoder_hidden_states")
	} else if available["encoder_outputs"] {
		names = append(names, "encoder_outputs")
	} else {
		return nil, fmt.Errorf("decoder has no encoder hidden-state input")
	}
	if available["encoder_attention_mask"] {
		names = append(names, "encoder_attention_mask")
	}
	return names, nil
}

func findONNXFile(dir string, candidates []string) string {
	for _, name := range candidates {
		p := filepath.Join(dir, name)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	return ""
}

type encoded struct {
	hidden []float32
	batch  int
	seqLen int
	hidDim int
}

func (m *onnxModel) runEncoder(b *data.Batch) (*encoded, error) {
	batch := b.Size()
	seqLen := len(b.SourceIDs[0])
	flatIDs := make([]int64, batch*seqLen)
	flatMask := make([]int64, batch*seqLen)
	for i := 0; i < batch; i++ {
		copy(flatIDs[i*seqLen:(i+1)*seqLen], b.SourceIDs[i])
		copy(flatMask[i*seqLen:(i+1)*seqLen], b.SourceMask[i])
	}
	shape := ort.NewShape(int64(batch), int64(seqLen))
	idsTensor, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, fmt.Errorf("mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	outs := make([]ort.Value, 1)
	if err := m.encoder.Run([]ort.Value{idsTensor, maskTensor}, outs); err != nil {
		return nil, fmt.Errorf("encoder run: %w", err)
	}
	defer outs[0].Destroy()

	t, ok := outs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("encoder output is not float32")
	}
	outShape := t.GetShape()
	if len(outShape) != 3 {
		return nil, fmt.Errorf("unexpected encoder output rank %d", len(outShape))
	}
	hidden := make([]float32, len(t.GetData()))
	copy(hidden, t.GetData())
	return &encoded{
		hidden: hidden,
		batch:  int(outShape[0]),
		seqLen: int(outShape[1]),
		hidDim: int(outShape[2]),
	}, nil
}

// runDecoder feeds the full decoder prefix and returns logits
// [batch, prefixLen, vocab] flattened, plus the vocab size.
func (m *onnxModel) runDecoder(decIDs []int64, batch, prefixLen int, enc *encoded, encMask []int64) ([]float32, int, error) {
	idsTensor, err := ort.NewTensor(ort.NewShape(int64(batch), int64(prefixLen)), decIDs)
	if err != nil {
		return nil, 0, fmt.Errorf("decoder ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	hiddenTensor, err := ort.NewTensor(ort.NewShape(int64(enc.batch), int64(enc.seqLen), int64(enc.hidDim)), enc.hidden)
	if err != nil {
		return nil, 0, fmt.Errorf("hidden tensor: %w", err)
	}
	defer hiddenTensor.Destroy()

	inputs := []ort.Value{idsTensor, hiddenTensor}
	var maskTensor *ort.Tensor[int64]
	if len(m.decNames) == 3 {
		maskTensor, err = ort.NewTensor(ort.NewShape(int64(enc.batch), int64(enc.seqLen)), encMask)
		if err != nil {
			return nil, 0, fmt.Errorf("encoder mask tensor: %w", err)
		}
		defer maskTensor.Destroy()
		inputs = append(inputs, maskTensor)
	}

	outs := make([]ort.Value, 1)
	if err := m.decoder.Run(inputs, outs); err != nil {
		return nil, 0, fmt.Errorf("decoder run: %w", err)
	}
	defer outs[0].Destroy()

	t, ok := outs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, 0, fmt.Errorf("decoder logits are not float32")
	}
	shape := t.GetShape()
	if len(shape) != 3 {
		return nil, 0, fmt.Errorf("unexpected logits rank %d", len(shape))
	}
	logits := make([]float32, len(t.GetData()))
	copy(logits, t.GetData())
	return logits, int(shape[2]), nil
}

func (m *onnxModel) Forward(ctx context.Context, b *data.Batch) (Output, error) {
	if err := m.ensureSessions(); err != nil {
		return Output{}, err
	}
	if b.Size() == 0 {
		return Output{}, nil
	}
	enc, err := m.runEncoder(b)
	if err != nil {
		return Output{}, err
	}

	batch := b.Size()
	tgtLen := len(b.TargetIDs[0])
	// Shift the target right for teacher forcing; ignored positions feed
	// the pad id into the decoder but are excluded from the loss.
	decIDs := make([]int64, batch*tgtLen)
	for i := 0; i < batch; i++ {
		decIDs[i*tgtLen] = m.decoderStartID
		for j := 1; j < tgtLen; j++ {
			prev := b.TargetIDs[i][j-1]
			if prev == data.IgnoreID {
				prev = 0
			}
			decIDs[i*tgtLen+j] = prev
		}
	}
	encMask := flatten(b.SourceMask)
	logits, vocab, err := m.runDecoder(decIDs, batch, tgtLen, enc, encMask)
	if err != nil {
		return Output{}, err
	}

	var out Output
	for i := 0; i < batch; i++ {
		for j := 0; j < tgtLen; j++ {
			if b.TargetMask[i][j] != 1 {
				continue
			}
			row := logits[(i*tgtLen+j)*vocab : (i*tgtLen+j+1)*vocab]
			out.SumLoss += -logProb(row, b.TargetIDs[i][j])
			out.Tokens++
		}
	}
	return out, nil
}

func (m *onnxModel) ForwardBackward(ctx context.Context, b *data.Batch, lossScale float64) (Output, error) {
	return Output{}, fmt.Errorf("onnx backend: %w", ErrNoGradients)
}

type beam struct {
	ids   []int64
	logp  float64
	score float64
}

func (m *onnxModel) Generate(ctx context.Context, b *data.Batch, opts GenerateOptions) ([][]int64, error) {
	if err := m.ensureSessions(); err != nil {
		return nil, err
	}
	results := make([][]int64, 0, b.Size()*opts.NumReturnSequences)
	for i := 0; i < b.Size(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := data.Batch{
			ExampleIDs: b.ExampleIDs[i : i+1],
			SourceIDs:  b.SourceIDs[i : i+1],
			SourceMask: b.SourceMask[i : i+1],
		}
		enc, err := m.runEncoder(&row)
		if err != nil {
			return nil, err
		}
		hyps, err := m.beamSearch(enc, row.SourceMask[0], opts)
		if err != nil {
			return nil, err
		}
		results = append(results, hyps...)
	}
	return results, nil
}

// beamSearch decodes one example. Candidate ranking follows the decoder
// score sum_logprob / len^lengthPenalty; the orchestration layer reranks
// externally and treats this order as opaque.
func (m *onnxModel) beamSearch(enc *encoded, srcMask []int64, opts GenerateOptions) ([][]int64, error) {
	active := []beam{{ids: []int64{m.decoderStartID}}}
	var finished []beam

	for step := 0; step < opts.MaxTargetLength-1 && len(active) > 0; step++ {
		nBeams := len(active)
		prefixLen := len(active[0].ids)
		decIDs := make([]int64, 0, nBeams*prefixLen)
		for _, bm := range active {
			decIDs = append(decIDs, bm.ids...)
		}
		tiled := tileEncoded(enc, nBeams)
		encMask := tileMask(srcMask, nBeams)
		logits, vocab, err := m.runDecoder(decIDs, nBeams, prefixLen, tiled, encMask)
		if err != nil {
			return nil, err
		}

		type cand struct {
			from  int
			token int64
			logp  float64
		}
		cands := make([]cand, 0, nBeams*2*opts.BeamSize)
		for bi, bm := range active {
			row := logits[(bi*prefixLen+prefixLen-1)*vocab : (bi*prefixLen+prefixLen)*vocab]
			for _, tk := range topK(row, 2*opts.BeamSize) {
				cands = append(cands, cand{from: bi, token: tk, logp: bm.logp + logProb(row, tk)})
			}
		}
		sort.SliceStable(cands, func(a, b int) bool { return cands[a].logp > cands[b].logp })

		next := make([]beam, 0, opts.BeamSize)
		for _, c := range cands {
			ids := append(append([]int64{}, active[c.from].ids...), c.token)
			nb := beam{ids: ids, logp: c.logp}
			if c.token == opts.EOSID {
				nb.score = c.logp / math.Pow(float64(len(ids)-1), opts.LengthPenalty)
				finished = append(finished, nb)
			} else {
				next = append(next, nb)
			}
			if len(next) >= opts.BeamSize {
				break
			}
		}
		active = next
		if len(finished) >= opts.BeamSize {
			break
		}
	}

	// Length-exhausted beams round out the candidate set.
	for i := range active {
		active[i].score = active[i].logp / math.Pow(float64(len(active[i].ids)-1), opts.LengthPenalty)
		finished = append(finished, active[i])
	}
	sort.SliceStable(finished, func(a, b int) bool { return finished[a].score > finished[b].score })

	out := make([][]int64, 0, opts.NumReturnSequences)
	for i := 0; i < opts.NumReturnSequences; i++ {
		if i < len(finished) {
			out = append(out, finished[i].ids[1:]) // drop the start token
		} else {
			out = append(out, []int64{opts.EOSID})
		}
	}
	return out, nil
}

// Save copies the model artifacts (ONNX graphs and config) into dir.
func (m *onnxModel) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	entries, err := os.ReadDir(m.modelPath)
	if err != nil {
		return fmt.Errorf("read model dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".onnx") && !strings.HasSuffix(name, ".json") {
			continue
		}
		if err := copyFile(filepath.Join(m.modelPath, name), filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	return out.Sync()
}

func flatten(rows [][]int64) []int64 {
	if len(rows) == 0 {
		return nil
	}
	flat := make([]int64, 0, len(rows)*len(rows[0]))
	for _, r := range rows {
		flat = append(flat, r...)
	}
	return flat
}

func tileEncoded(enc *encoded, n int) *encoded {
	if n == 1 {
		return enc
	}
	rowLen := enc.seqLen * enc.hidDim
	hidden := make([]float32, 0, n*rowLen)
	for i := 0; i < n; i++ {
		hidden = append(hidden, enc.hidden[:rowLen]...)
	}
	return &encoded{hidden: hidden, batch: n, seqLen: enc.seqLen, hidDim: enc.hidDim}
}

func tileMask(mask []int64, n int) []int64 {
	out := make([]int64, 0, n*len(mask))
	for i := 0; i < n; i++ {
		out = append(out, mask...)
	}
	return out
}

// logProb computes log softmax of row at index id.
func logProb(row []float32, id int64) float64 {
	if id < 0 || int(id) >= len(row) {
		return math.Inf(-1)
	}
	maxv := float64(row[0])
	for _, v := range row[1:] {
		if float64(v) > maxv {
			maxv = float64(v)
		}
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v) - maxv)
	}
	return float64(row[id]) - maxv - math.Log(sum)
}

// topK returns the indices of the k largest logits in row.
func topK(row []float32, k int) []int64 {
	if k > len(row) {
		k = len(row)
	}
	idx := make([]int64, len(row))
	for i := range idx {
		idx[i] = int64(i)
	}
	sort.SliceStable(idx, func(a, b int) bool { return row[idx[a]] > row[idx[b]] })
	return idx[:k]
}
