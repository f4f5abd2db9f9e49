package svc

// EntryPoints 插件入口可用的通道操作集合
type EntryPoints interface {
	// Init 创建初始化上下文并注册通道，只能在插件入口内调用
	Init(defs []ChannelDef, h InitEventHandler) (*InitHandle, []OpenHandle, error)
	Open(ih *InitHandle, name string, h OpenEventHandler) (uint32, error)
	Close(handle uint32) error
	Write(handle uint32, data []byte, userData any) error
	EventPush(handle uint32, payload any) error
	// ExtendedData 加载插件时传入的数据
	ExtendedData() any
}

type entryPoints struct {
	reg    *Registry
	plugin string
	data   any
}

func (ep *entryPoints) Init(defs []ChannelDef, h InitEventHandler) (*InitHandle, []OpenHandle, error) {
	r := ep.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initWindow {
		return nil, nil, ErrNotInInitPhase
	}
	ih := &InitHandle{reg: r, plugin: ep.plugin, handler: h, data: ep.data}
	handles, err := r.registerLocked(ih, defs)
	if err != nil {
		r.log.Warnf("[SVC] plugin %s channel init failed: %v", ep.plugin, err)
		return nil, nil, err
	}
	r.inits = append(r.inits, ih)
	return ih, handles, nil
}

func (ep *entryPoints) Open(ih *InitHandle, name string, h OpenEventHandler) (uint32, error) {
	return ep.reg.Open(ih, name, h)
}

func (ep *entryPoints) Close(handle uint32) error {
	return ep.reg.Close(handle)
}

func (ep *entryPoints) Write(handle uint32, data []byte, userData any) error {
	return ep.reg.Write(handle, data, userData)
}

func (ep *entryPoints) EventPush(handle uint32, payload any) error {
	return ep.reg.EventPush(handle, payload)
}

func (ep *entryPoints) ExtendedData() any {
	return ep.data
}
