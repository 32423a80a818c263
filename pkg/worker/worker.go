package worker

import "github.com/tcollins82/fetcha/pkg/logger"

var workerLogger = logger.Get("Worker")

type WakeupChan chan int
type Status int

const (
	Sleeping Status = iota
	Working
	Finished
)

// Task is the unit of work a worker runs for its lifetime. Execute is
// expected to loop, calling Worker.Sleep between batches, and return
// only when the worker is being shut down.
type Task interface {
	Execute(Worker) error
}

// TaskFn adapts a plain function into a Task.
type TaskFn func(Worker) error

func (fn TaskFn) Execute(w Worker) error { return fn(w) }

type Worker interface {
	Start()
	Status() Status
	WakeupChan() WakeupChan
	Label() string
	Sleep() bool
	Close()
}

type taskWorker struct {
	label         string
	task          Task
	wakeupChan    WakeupChan
	currentStatus Status
}

func NewWorker(label string, task Task) *taskWorker {
	return &taskWorker{
		label:         label,
		task:          task,
		wakeupChan:    make(WakeupChan),
		currentStatus: Sleeping,
	}
}

func (worker *taskWorker) Start() {
	workerLogger.Emit(logger.NEW, "Starting worker %s\n", worker.label)
	worker.currentStatus = Working
	if err := worker.task.Execute(worker); err != nil {
		workerLogger.Errorf("Worker %s has reported an error(%T): %v\n", worker.label, err, err.Error())
	}

	worker.currentStatus = Finished
	workerLogger.Emit(logger.STOP, "Worker %s has stopped\n", worker.label)
}

func (worker *taskWorker) Status() Status {
	return worker.currentStatus
}

func (worker *taskWorker) WakeupChan() WakeupChan {
	return worker.wakeupChan
}

// Close closes the wakeup channel. Work already in flight is not
// interrupted; the worker exits the next time it sleeps.
func (worker *taskWorker) Close() {
	close(worker.wakeupChan)
}

func (worker *taskWorker) Label() string {
	return worker.label
}

// Sleep blocks until another goroutine signals the wakeup channel.
// Returns false if the channel was closed, indicating the worker
// should quit.
func (worker *taskWorker) Sleep() (isAlive bool) {
	worker.currentStatus = Sleeping

	if _, isAlive = <-worker.wakeupChan; isAlive {
		worker.currentStatus = Working
	} else {
		workerLogger.Emit(logger.STOP, "Wakeup channel for worker '%s' has been closed, worker is exiting\n", worker.label)
		worker.currentStatus = Finished
	}

	return isAlive
}
